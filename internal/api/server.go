// Package api exposes the FHIR REST surface over echo: CRUD, search,
// history, $everything, transaction bundles, and result paging. Handlers
// translate HTTP into engine calls and render engine errors as
// OperationOutcome resources.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/couchfhir/couchfhir/internal/fhir"
	"github.com/couchfhir/couchfhir/internal/platform/security"
	"github.com/couchfhir/couchfhir/internal/platform/tenant"
)

const fhirContentType = "application/fhir+json"

// Server wires the engine behind the FHIR REST routes.
type Server struct {
	engine   *fhir.Engine
	resolver *tenant.Resolver
	baseURL  string
	log      zerolog.Logger
}

func NewServer(engine *fhir.Engine, resolver *tenant.Resolver, baseURL string, log zerolog.Logger) *Server {
	return &Server{
		engine:   engine,
		resolver: resolver,
		baseURL:  baseURL,
		log:      log,
	}
}

// Register mounts every route under /fhir.
func (s *Server) Register(e *echo.Echo) {
	e.Use(echomiddleware.Recover())
	e.Use(requestLogger(s.log))

	e.GET("/health", s.handleHealth)

	g := e.Group("/fhir")
	g.Use(security.Middleware())
	g.Use(s.resolver.Middleware())

	g.GET("/metadata", s.handleMetadata)

	// System level: transaction/batch bundles and paging continuation.
	g.POST("", s.handleBundle)
	g.POST("/", s.handleBundle)
	g.GET("", s.handlePaging)
	g.GET("/", s.handlePaging)

	// Patient compartment export. Static segment wins over :type.
	g.GET("/Patient/:id/$everything", s.handleEverything)

	g.GET("/:type", s.handleSearch)
	g.POST("/:type", s.handleCreate)
	g.PUT("/:type", s.handleConditionalUpdate)

	g.GET("/:type/:id", s.handleRead)
	g.PUT("/:type/:id", s.handleUpdate)
	g.DELETE("/:type/:id", s.handleDelete)

	g.GET("/:type/:id/_history", s.handleHistory)
	g.GET("/:type/:id/_history/:vid", s.handleVread)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// writeError renders an engine error as an OperationOutcome with the mapped
// HTTP status.
func (s *Server) writeError(c echo.Context, err error) error {
	status := fhir.StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.Request().URL.Path).Msg("request failed")
	}
	outcome := fhir.NewOperationOutcome("error", fhir.IssueCodeFor(err), err.Error())
	return c.JSON(status, outcome)
}

// requestLogger emits one structured line per request.
func requestLogger(log zerolog.Logger) echo.MiddlewareFunc {
	return echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v echomiddleware.RequestLoggerValues) error {
			event := log.Info()
			if v.Status >= http.StatusInternalServerError {
				event = log.Error()
			}
			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Err(v.Error).
				Msg("request")
			return nil
		},
	})
}
