package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rulewise/rulewise/internal/cache"
	"github.com/rulewise/rulewise/internal/retrieval"
	"github.com/rulewise/rulewise/models"
)

// QAHandler exposes question answering and cache administration. POST
// answers from cache or retrieves context for the external answer composer;
// PUT is the composer's write-back path.
type QAHandler struct {
	Retrieval *retrieval.Service
	Cache     *cache.Engine
	Stats     *cache.Tracker
}

func (h *QAHandler) Register(g *echo.Group) {
	g.POST("/qa/answer", h.answer)
	g.PUT("/qa/answer", h.storeAnswer)
	g.GET("/cache/stats", h.stats)
	g.POST("/cache/invalidate", h.invalidate)
	g.POST("/cache/stats/reset", h.reset)
}

func (h *QAHandler) answer(c echo.Context) error {
	var req struct {
		Scope    string `json:"scope"`
		Question string `json:"question"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()

	if h.Cache != nil {
		entry, hit, err := h.Cache.Lookup(ctx, req.Scope, req.Question)
		if err != nil {
			return err
		}
		if hit {
			return c.JSON(http.StatusOK, map[string]interface{}{
				"cached":      true,
				"answer":      entry.Answer,
				"fingerprint": entry.Fingerprint,
			})
		}
	}

	res, err := h.Retrieval.Answer(ctx, req.Scope, req.Question)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"cached":              false,
		"context_chunks":      res.Chunks,
		"no_relevant_content": res.NoRelevantContent,
	})
}

func (h *QAHandler) storeAnswer(c echo.Context) error {
	var req struct {
		Scope      string   `json:"scope"`
		Question   string   `json:"question"`
		Answer     string   `json:"answer"`
		Tags       []string `json:"tags"`
		TTLSeconds int      `json:"ttl_seconds"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if h.Cache == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "cache disabled")
	}
	entry, err := h.Cache.Store(c.Request().Context(), req.Scope, req.Question, req.Answer,
		req.Tags, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *QAHandler) stats(c echo.Context) error {
	stats, err := h.Stats.GetStats(c.Request().Context(), c.QueryParam("scope"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

// invalidate destroys cache entries by tag, or by scope when no tag is
// given. Statistics are untouched either way.
func (h *QAHandler) invalidate(c echo.Context) error {
	var req struct {
		Scope string `json:"scope"`
		Tag   string `json:"tag"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if h.Cache == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "cache disabled")
	}
	ctx := c.Request().Context()

	var (
		n   int64
		err error
	)
	switch {
	case req.Tag != "":
		n, err = h.Cache.InvalidateTag(ctx, req.Tag)
	case req.Scope != "":
		n, err = h.Cache.InvalidateScope(ctx, req.Scope)
	default:
		return models.Invalid("scope or tag is required")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int64{"invalidated": n})
}

func (h *QAHandler) reset(c echo.Context) error {
	var req struct {
		Scope string `json:"scope"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Scope == "" {
		return models.Invalid("scope is required")
	}
	n, err := h.Stats.Reset(c.Request().Context(), req.Scope)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int64{"reset": n})
}
