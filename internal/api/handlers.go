package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/couchfhir/couchfhir/internal/fhir"
	"github.com/couchfhir/couchfhir/internal/platform/tenant"
)

func (s *Server) handleRead(c echo.Context) error {
	bucket := tenant.BucketFromContext(c.Request().Context())
	resourceType, id := c.Param("type"), c.Param("id")

	doc, err := s.engine.Read(c.Request().Context(), bucket, resourceType, id)
	if err != nil {
		return s.writeError(c, err)
	}

	setVersionHeaders(c, fhir.RawVersionID(doc), fhir.RawLastUpdated(doc))
	return c.Blob(http.StatusOK, fhirContentType, doc)
}

func (s *Server) handleVread(c echo.Context) error {
	bucket := tenant.BucketFromContext(c.Request().Context())

	doc, err := s.engine.Vread(c.Request().Context(), bucket, c.Param("type"), c.Param("id"), c.Param("vid"))
	if err != nil {
		return s.writeError(c, err)
	}

	setVersionHeaders(c, fhir.RawVersionID(doc), fhir.RawLastUpdated(doc))
	return c.Blob(http.StatusOK, fhirContentType, doc)
}

func (s *Server) handleHistory(c echo.Context) error {
	ctx := c.Request().Context()
	bucket := tenant.BucketFromContext(ctx)
	resourceType, id := c.Param("type"), c.Param("id")

	var since *time.Time
	if raw := c.QueryParam("_since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return s.writeError(c, fmt.Errorf("%w: invalid _since %q", fhir.ErrValidation, raw))
		}
		since = &t
	}

	entries, err := s.engine.History(ctx, bucket, resourceType, id, since)
	if err != nil {
		return s.writeError(c, err)
	}

	links := fhir.BundleLinks{Self: s.baseURL + "/" + resourceType + "/" + id + "/_history"}
	return c.Blob(http.StatusOK, fhirContentType, fhir.WriteHistoryBundle(s.baseURL, entries, links))
}

func (s *Server) handleCreate(c echo.Context) error {
	ctx := c.Request().Context()
	bucket := tenant.BucketFromContext(ctx)
	resourceType := c.Param("type")

	resource, err := readResourceBody(c)
	if err != nil {
		return s.writeError(c, err)
	}
	if declared, _ := resource["resourceType"].(string); declared != "" && declared != resourceType {
		return s.writeError(c, fmt.Errorf("%w: body resourceType %q does not match URL type %q", fhir.ErrValidation, declared, resourceType))
	}
	resource["resourceType"] = resourceType

	result, err := s.engine.Post(ctx, fhir.FreshTx(s.engine.Store(), bucket), resource, "")
	if err != nil {
		return s.writeError(c, err)
	}

	return s.writeResource(c, http.StatusCreated, resource, result)
}

func (s *Server) handleUpdate(c echo.Context) error {
	ctx := c.Request().Context()
	bucket := tenant.BucketFromContext(ctx)
	resourceType, id := c.Param("type"), c.Param("id")

	resource, err := readResourceBody(c)
	if err != nil {
		return s.writeError(c, err)
	}
	if bodyID, _ := resource["id"].(string); bodyID != "" && bodyID != id {
		return s.writeError(c, fmt.Errorf("%w: body id %q does not match URL id %q", fhir.ErrValidation, bodyID, id))
	}

	result, err := s.engine.Put(ctx, fhir.FreshTx(s.engine.Store(), bucket), resourceType, id, resource)
	if err != nil {
		return s.writeError(c, err)
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	return s.writeResource(c, status, resource, result)
}

// handleConditionalUpdate serves PUT /{type}?criteria. ZERO matches creates,
// ONE updates, MANY fails with 412.
func (s *Server) handleConditionalUpdate(c echo.Context) error {
	ctx := c.Request().Context()
	bucket := tenant.BucketFromContext(ctx)
	resourceType := c.Param("type")

	resource, err := readResourceBody(c)
	if err != nil {
		return s.writeError(c, err)
	}

	criteria, _ := splitSearchParams(c.QueryParams())
	result, err := s.engine.ConditionalPut(ctx, fhir.FreshTx(s.engine.Store(), bucket), resourceType, criteria, resource)
	if err != nil {
		return s.writeError(c, err)
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	return s.writeResource(c, status, resource, result)
}

func (s *Server) handleDelete(c echo.Context) error {
	ctx := c.Request().Context()
	bucket := tenant.BucketFromContext(ctx)
	resourceType, id := c.Param("type"), c.Param("id")

	if _, err := s.engine.Delete(ctx, fhir.FreshTx(s.engine.Store(), bucket), resourceType, id, ""); err != nil {
		return s.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSearch(c echo.Context) error {
	ctx := c.Request().Context()
	bucket := tenant.BucketFromContext(ctx)

	req, err := parseSearchRequest(c.Param("type"), c.QueryParams())
	if err != nil {
		return s.writeError(c, err)
	}

	set, err := s.engine.Search(ctx, bucket, req)
	if err != nil {
		return s.writeError(c, err)
	}

	links := s.pagingLinks(c.Request().URL.RequestURI(), set)
	return c.Blob(http.StatusOK, fhirContentType, fhir.WriteSearchBundle(s.baseURL, set, links))
}

// handlePaging serves GET /fhir?_getpages={token} continuation requests.
func (s *Server) handlePaging(c echo.Context) error {
	ctx := c.Request().Context()
	bucket := tenant.BucketFromContext(ctx)

	token := c.QueryParam("_getpages")
	if token == "" {
		return s.writeError(c, fmt.Errorf("%w: _getpages is required", fhir.ErrValidation))
	}

	req := fhir.SearchRequest{
		Token:  token,
		Offset: intQueryParam(c, "_getpagesoffset", 0),
		Count:  intQueryParam(c, "_count", -1),
	}
	set, err := s.engine.Search(ctx, bucket, req)
	if err != nil {
		return s.writeError(c, err)
	}

	links := s.pagingLinks(c.Request().URL.RequestURI(), set)
	return c.Blob(http.StatusOK, fhirContentType, fhir.WriteSearchBundle(s.baseURL, set, links))
}

func (s *Server) handleEverything(c echo.Context) error {
	ctx := c.Request().Context()
	bucket := tenant.BucketFromContext(ctx)

	req, err := parseEverythingRequest(c)
	if err != nil {
		return s.writeError(c, err)
	}

	var set *fhir.EverythingSet
	if token := c.QueryParam("_getpages"); token != "" {
		set, err = s.engine.ResumeEverything(ctx, bucket, token, intQueryParam(c, "_getpagesoffset", 0), req.Count)
	} else {
		set, err = s.engine.Everything(ctx, bucket, req)
	}
	if err != nil {
		return s.writeError(c, err)
	}

	links := s.everythingLinks(c.Request().URL.RequestURI(), c.Param("id"), set, intQueryParam(c, "_getpagesoffset", 0))
	return c.Blob(http.StatusOK, fhirContentType, fhir.WriteEverythingBundle(s.baseURL, set, links))
}

func (s *Server) handleBundle(c echo.Context) error {
	ctx := c.Request().Context()
	bucket := tenant.BucketFromContext(ctx)

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return s.writeError(c, fmt.Errorf("%w: read body: %v", fhir.ErrValidation, err))
	}

	bundle, err := fhir.ParseTransactionBundle(body)
	if err != nil {
		return s.writeError(c, err)
	}

	response, err := s.engine.ProcessBundle(ctx, bucket, bundle)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, response)
}

// handleMetadata serves a minimal CapabilityStatement listing the mapped
// resource types.
func (s *Server) handleMetadata(c echo.Context) error {
	types := s.engine.Mapping().ResourceTypes()
	rest := make([]map[string]interface{}, 0, len(types))
	for _, t := range types {
		rest = append(rest, map[string]interface{}{
			"type": t,
			"interaction": []map[string]string{
				{"code": "read"}, {"code": "vread"}, {"code": "update"},
				{"code": "delete"}, {"code": "create"}, {"code": "search-type"},
				{"code": "history-instance"},
			},
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"date":         time.Now().UTC().Format(time.RFC3339),
		"kind":         "instance",
		"fhirVersion":  "4.0.1",
		"format":       []string{"json"},
		"rest": []map[string]interface{}{{
			"mode":     "server",
			"resource": rest,
		}},
	})
}

func (s *Server) writeResource(c echo.Context, status int, resource map[string]interface{}, result *fhir.WriteResult) error {
	setVersionHeaders(c, result.VersionID, result.LastUpdated.Format(time.RFC3339Nano))
	c.Response().Header().Set("Location", s.baseURL+"/"+result.Key)
	return c.JSON(status, resource)
}

func setVersionHeaders(c echo.Context, versionID, lastUpdated string) {
	if versionID != "" {
		c.Response().Header().Set("ETag", fmt.Sprintf(`W/"%s"`, versionID))
	}
	if lastUpdated != "" {
		if t, err := time.Parse(time.RFC3339Nano, lastUpdated); err == nil {
			c.Response().Header().Set("Last-Modified", t.UTC().Format(http.TimeFormat))
		}
	}
}

func readResourceBody(c echo.Context) (map[string]interface{}, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", fhir.ErrValidation, err)
	}
	var resource map[string]interface{}
	if err := json.Unmarshal(body, &resource); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", fhir.ErrValidation, err)
	}
	return resource, nil
}
