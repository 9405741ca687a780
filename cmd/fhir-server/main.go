package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/couchfhir/couchfhir/internal/api"
	"github.com/couchfhir/couchfhir/internal/config"
	"github.com/couchfhir/couchfhir/internal/fhir"
	"github.com/couchfhir/couchfhir/internal/platform/couchbase"
	"github.com/couchfhir/couchfhir/internal/platform/tenant"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhir-server",
		Short: "FHIR R4 resource server backed by Couchbase",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	// Routing mapping
	mapping, err := fhir.LoadMappingFile(cfg.MappingFile)
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.MappingFile).Msg("failed to load resource mapping")
	}
	logger.Info().Int("resourceTypes", len(mapping.ResourceTypes())).Msg("resource mapping loaded")

	// Storage gateway
	ctx := context.Background()
	store, err := couchbase.Connect(ctx, couchbase.Options{
		ConnectionString: cfg.CouchbaseURL,
		Username:         cfg.CouchbaseUser,
		Password:         cfg.CouchbasePass,
		ConnectTimeout:   cfg.ConnectTimeout,
		KVTimeout:        cfg.KVTimeout,
		QueryTimeout:     cfg.QueryTimeout,
		SearchTimeout:    cfg.SearchTimeout,
		Logger:           logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to couchbase")
	}
	defer store.Close()
	logger.Info().Str("cluster", cfg.CouchbaseURL).Msg("connected to couchbase")

	// Engine and tenancy
	engine := fhir.NewEngine(store, mapping, fhir.EngineOptions{
		Logger:  logger,
		PageTTL: cfg.PageTTL,
	})
	resolver := tenant.NewResolver(store, cfg.DefaultBucket, cfg.ConfigCacheTTL, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	server := api.NewServer(engine, resolver, cfg.BaseURL, logger)
	server.Register(e)

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("server listening")
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownGrace)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown failed")
		return err
	}
	return nil
}
