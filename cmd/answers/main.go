// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command answers starts the Wardlight civic answers API server.
//
// The server answers natural-language questions about municipal budgets,
// council motions, votes and lobbying records through a staged retrieval
// cascade, and refuses to guess when no grounded answer exists.
//
// Usage:
//
//	go run ./cmd/answers
//	go run ./cmd/answers -port 9090 -config ./wardlight.yaml
//
// LLM roles are optional; without them the pipeline runs its deterministic
// paths only (mechanical extraction, glossary, exact lookups):
//
//	WARDLIGHT_ROUTER_PROVIDER=openai OPENAI_API_KEY=... go run ./cmd/answers
//
// Trace export is selected by environment:
//
//	WARDLIGHT_OTLP_ENDPOINT=localhost:4317   OTLP gRPC exporter
//	WARDLIGHT_TRACE_STDOUT=1                 stdout exporter (development)
//
// Example requests:
//
//	# Readiness (503 with Retry-After until warmup finishes)
//	curl http://localhost:8085/readyz
//
//	# Ask a question
//	curl -X POST http://localhost:8085/v1/ask \
//	  -H "Content-Type: application/json" \
//	  -d '{"question": "How much did Ward 10 get for transit in 2024?"}'
//
//	# Circuit breaker table
//	curl http://localhost:8085/v1/diag/circuits | jq
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/WardlightCivic/Wardlight/services/answers"
	"github.com/WardlightCivic/Wardlight/services/answers/config"
	"github.com/WardlightCivic/Wardlight/services/answers/weblookup"
	"github.com/WardlightCivic/Wardlight/services/llm"
)

// secretTTL is how long resolved provider credentials stay cached before
// the environment is consulted again.
const secretTTL = 5 * time.Minute

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (defaults to $WARDLIGHT_CONFIG)")
	port := flag.Int("port", 0, "Port to listen on (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging and gin debug mode")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := setupTracing(ctx)

	routerChat, extractorChat, embedder := loadLLMClients(ctx)
	cacheDB, pageCache := openPageCache(cfg.Web)

	svc, err := answers.NewService(cfg, answers.Clients{
		RouterChat:    routerChat,
		ExtractorChat: extractorChat,
		Embedder:      embedder,
		WebCache:      pageCache,
	})
	if err != nil {
		slog.Error("cannot build answers service", slog.String("error", err.Error()))
		os.Exit(1)
	}

	handlers := answers.NewHandlers(svc)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("wardlight-answers"))
	router.Use(answers.RequestID())
	if *debug {
		router.Use(gin.Logger())
	}

	v1 := router.Group("/v1")
	answers.RegisterRoutes(v1, handlers)
	answers.RegisterHealthRoutes(router, handlers)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	svc.Start(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		slog.Info("starting answers server", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	printBanner(cfg.Server.Port, roleSummary(routerChat, extractorChat, embedder))

	<-ctx.Done()
	slog.Info("shutting down answers server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown incomplete", slog.String("error", err.Error()))
	}
	if cacheDB != nil {
		if err := cacheDB.Close(); err != nil {
			slog.Warn("cannot close web page cache", slog.String("error", err.Error()))
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("tracer shutdown incomplete", slog.String("error", err.Error()))
	}
}

// setupTracing installs the W3C propagator and, when configured, a span
// exporter. Returns the provider shutdown function.
//
// Description:
//
//	WARDLIGHT_OTLP_ENDPOINT selects the OTLP gRPC exporter,
//	WARDLIGHT_TRACE_STDOUT the stdout exporter. With neither set the
//	global no-op provider stays in place; spans cost almost nothing and
//	export nowhere.
func setupTracing(ctx context.Context) func(context.Context) error {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	noop := func(context.Context) error { return nil }

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch {
	case os.Getenv("WARDLIGHT_OTLP_ENDPOINT") != "":
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(os.Getenv("WARDLIGHT_OTLP_ENDPOINT")),
			otlptracegrpc.WithInsecure(),
		)
	case os.Getenv("WARDLIGHT_TRACE_STDOUT") != "":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return noop
	}
	if err != nil {
		slog.Warn("trace exporter unavailable, spans will not be exported",
			slog.String("error", err.Error()))
		return noop
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "wardlight-answers"),
		)),
	)
	otel.SetTracerProvider(tp)
	slog.Info("trace exporter configured")
	return tp.Shutdown
}

// loadLLMClients builds the three role clients from environment config.
//
// Description:
//
//	Every failure here is degradation, not a fatal error: the pipeline's
//	deterministic paths (mechanical extraction, glossary, exact record
//	lookups, trend rollups) work with no LLM at all, so a missing key or
//	an unreachable provider only narrows what can be answered.
func loadLLMClients(ctx context.Context) (routerChat, extractorChat llm.ChatClient, embedder llm.Embedder) {
	roleCfg, err := llm.LoadRoleConfig()
	if err != nil {
		slog.Warn("invalid LLM role configuration, running deterministic paths only",
			slog.String("error", err.Error()))
		return nil, nil, nil
	}

	factory := llm.NewFactory(llm.NewEnvBackend(secretTTL))

	if routerChat, err = factory.ChatClient(ctx, roleCfg.Router); err != nil {
		slog.Warn("router LLM unavailable, tool classification disabled",
			slog.String("error", err.Error()))
	} else if routerChat != nil {
		slog.Info("router role connected",
			slog.String("provider", roleCfg.Router.Provider),
			slog.String("model", roleCfg.Router.Model))
	}

	if extractorChat, err = factory.ChatClient(ctx, roleCfg.Extractor); err != nil {
		slog.Warn("extractor LLM unavailable, extraction stays mechanical",
			slog.String("error", err.Error()))
	} else if extractorChat != nil {
		slog.Info("extractor role connected",
			slog.String("provider", roleCfg.Extractor.Provider),
			slog.String("model", roleCfg.Extractor.Model))
	}

	if embedder, err = factory.Embedder(ctx, roleCfg.Embedder); err != nil {
		slog.Warn("embedder unavailable, semantic search disabled",
			slog.String("error", err.Error()))
	} else if embedder != nil {
		slog.Info("embedder role connected",
			slog.String("provider", roleCfg.Embedder.Provider),
			slog.String("model", roleCfg.Embedder.Model))
	}

	return routerChat, extractorChat, embedder
}

// openPageCache opens the Badger-backed web page cache.
//
// Graceful degradation: a missing or locked cache directory logs a
// warning and web lookups simply fetch every time.
func openPageCache(cfg config.WebConfig) (*badger.DB, *weblookup.PageCache) {
	if cfg.CacheDir == "" {
		return nil, nil
	}

	opts := badger.DefaultOptions(cfg.CacheDir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		slog.Warn("web page cache unavailable, lookups will always fetch",
			slog.String("path", cfg.CacheDir),
			slog.String("error", err.Error()))
		return nil, nil
	}
	slog.Info("web page cache opened", slog.String("path", cfg.CacheDir))
	return db, weblookup.NewPageCache(db, cfg.PageTTL.Std())
}

func roleSummary(routerChat, extractorChat llm.ChatClient, embedder llm.Embedder) string {
	roles := make([]string, 0, 3)
	if routerChat != nil {
		roles = append(roles, "router")
	}
	if extractorChat != nil {
		roles = append(roles, "extractor")
	}
	if embedder != nil {
		roles = append(roles, "embedder")
	}
	if len(roles) == 0 {
		return "none (deterministic paths only)"
	}
	summary := roles[0]
	for _, r := range roles[1:] {
		summary += " + " + r
	}
	return summary
}

func printBanner(port int, llmRoles string) {
	banner := `
╔═══════════════════════════════════════════════════════════════════╗
║                     WARDLIGHT ANSWERS SERVER                      ║
╠═══════════════════════════════════════════════════════════════════╣
║                                                                   ║
║  Natural-language answers over municipal budgets and council      ║
║  records. Fail-closed: no grounded data, no answer.               ║
║  LLM roles: %-53s ║
║                                                                   ║
║  Quick Start:                                                     ║
║  ┌─────────────────────────────────────────────────────────────┐  ║
║  │ # Readiness (503 until warmup finishes)                     │  ║
║  │ curl http://localhost:%d/readyz                         │  ║
║  │                                                             │  ║
║  │ # Ask a question                                            │  ║
║  │ curl -X POST http://localhost:%d/v1/ask \               │  ║
║  │   -H "Content-Type: application/json" \                     │  ║
║  │   -d '{"question": "What is an operating budget?"}'         │  ║
║  └─────────────────────────────────────────────────────────────┘  ║
║                                                                   ║
║  Endpoints:                                                       ║
║  ├── Ask: POST /v1/ask                                            ║
║  ├── Diagnostics: /v1/diag/{circuits,ratelimit,webbudget}         ║
║  └── Ops: /healthz, /readyz, /metrics                             ║
║                                                                   ║
║  Press Ctrl+C to stop                                             ║
╚═══════════════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner, llmRoles, port, port)
}
