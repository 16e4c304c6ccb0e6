// Package server wires the HTTP surface: document upload and lifecycle,
// question answering with the response cache, and cache administration.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/rulewise/rulewise/config"
	"github.com/rulewise/rulewise/internal/cache"
	"github.com/rulewise/rulewise/internal/ingest"
	"github.com/rulewise/rulewise/internal/retrieval"
	"github.com/rulewise/rulewise/internal/store"
	"github.com/rulewise/rulewise/internal/vectorstore"
	"github.com/rulewise/rulewise/internal/vectorstore/chromem"
	"github.com/rulewise/rulewise/internal/vectorstore/qdrant"
	"github.com/rulewise/rulewise/models"
	"github.com/rulewise/rulewise/provider"
)

// Run starts the HTTP API with all dependencies wired from cfg. It blocks
// until the listener stops.
func Run(cfg *config.Config) error {
	e := newEcho()

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	_ = Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0)

	ctx := context.Background()
	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}

	vectors, err := newVectorStore(cfg)
	if err != nil {
		return err
	}

	embedder, err := provider.NewEmbedder(provider.OpenAI, cfg.Providers.OpenAI)
	if err != nil {
		return err
	}

	pipeline, err := ingest.New(st, embedder, vectors, cfg.Ingestion.Normalize(), nil)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	var engine *cache.Engine
	if cfg.Cache.Enabled {
		engine = cache.NewEngine(rdb, st, cfg.Cache.Normalize(), nil)
		defer engine.Close()
	}
	tracker := cache.NewTracker(st, engine, 10)
	svc := retrieval.New(embedder, vectors, cfg.Retrieval.Normalize(), nil)

	e.GET("/healthz", func(c echo.Context) error {
		if err := st.Ping(c.Request().Context()); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		return c.String(http.StatusOK, "ok")
	})

	api := e.Group("/api")
	dh := &DocumentsHandler{Store: st, Pipeline: pipeline, Vectors: vectors}
	dh.Register(api)
	qh := &QAHandler{Retrieval: svc, Cache: engine, Stats: tracker}
	qh.Register(api)

	addr := cfg.Server.Listen
	if addr == "" {
		addr = ":8080"
	}
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// newEcho builds the echo instance with recovery, CORS and the unified JSON
// error handler shared by Run and the handler tests.
func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		switch {
		case models.IsValidation(err):
			code = http.StatusBadRequest
		case errors.Is(err, models.ErrDocumentNotFound):
			code = http.StatusNotFound
		default:
			if he, ok := err.(*echo.HTTPError); ok {
				code = he.Code
				if he.Message != nil {
					msg = fmt.Sprint(he.Message)
				}
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie"},
		AllowCredentials: true,
	}))
	return e
}

func newVectorStore(cfg *config.Config) (vectorstore.Store, error) {
	q := cfg.Storage.Qdrant
	switch q.Backend {
	case "", "qdrant":
		return qdrant.New(qdrant.Config{
			URL:        q.URL,
			APIKey:     q.APIKey,
			Collection: q.Collection,
			Dimension:  cfg.Providers.OpenAI.EmbeddingDimensions,
			Timeout:    q.Timeout,
		}), nil
	case "embedded":
		return chromem.New(chromem.Config{
			Collection: q.Collection,
			Persistent: q.DataDir != "",
			Path:       q.DataDir,
		})
	default:
		return nil, fmt.Errorf("unknown vector store backend %q", q.Backend)
	}
}
