package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/rulewise/rulewise/internal/vectorstore"
	"github.com/rulewise/rulewise/models"
)

// DocumentStore is the slice of the Postgres store the document handlers
// need.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc models.Document) error
	ListDocuments(ctx context.Context, scope string) ([]models.Document, error)
	DeleteDocument(ctx context.Context, id string) (bool, error)
}

// Ingestor is the pipeline surface the document handlers drive.
type Ingestor interface {
	StartIngestion(ctx context.Context, documentID, scope string, raw []byte) error
	CancelIngestion(ctx context.Context, documentID string) (bool, error)
	GetProgress(ctx context.Context, documentID string) (models.ProcessingProgress, bool, error)
}

// DocumentsHandler exposes the document lifecycle: upload into a scope,
// progress polling, cancellation and deletion.
type DocumentsHandler struct {
	Store    DocumentStore
	Pipeline Ingestor
	Vectors  vectorstore.Store
}

func (h *DocumentsHandler) Register(g *echo.Group) {
	g.POST("/scopes/:scope/documents", h.upload)
	g.GET("/scopes/:scope/documents", h.list)
	g.GET("/documents/:id/progress", h.progress)
	g.POST("/documents/:id/cancel", h.cancel)
	g.DELETE("/documents/:id", h.remove)
}

func (h *DocumentsHandler) upload(c echo.Context) error {
	scope := c.Param("scope")
	var req struct {
		Filename string `json:"filename"`
		Content  string `json:"content"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Filename == "" {
		return models.Invalid("filename is required")
	}
	if req.Content == "" {
		return models.Invalid("content is empty")
	}

	doc := models.Document{
		ID:         uuid.NewString(),
		Scope:      scope,
		Filename:   req.Filename,
		SizeBytes:  int64(len(req.Content)),
		UploadedAt: time.Now().UTC(),
		State:      models.StepUploading,
	}
	if err := h.Store.CreateDocument(c.Request().Context(), doc); err != nil {
		return err
	}
	if err := h.Pipeline.StartIngestion(c.Request().Context(), doc.ID, scope, []byte(req.Content)); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"id":    doc.ID,
		"scope": scope,
		"state": string(models.StepUploading),
	})
}

func (h *DocumentsHandler) list(c echo.Context) error {
	docs, err := h.Store.ListDocuments(c.Request().Context(), c.Param("scope"))
	if err != nil {
		return err
	}
	if docs == nil {
		docs = []models.Document{}
	}
	return c.JSON(http.StatusOK, docs)
}

func (h *DocumentsHandler) progress(c echo.Context) error {
	prog, ok, err := h.Pipeline.GetProgress(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrDocumentNotFound
	}
	return c.JSON(http.StatusOK, struct {
		models.ProcessingProgress
		Cancelled bool `json:"cancelled"`
	}{prog, prog.Cancelled()})
}

func (h *DocumentsHandler) cancel(c echo.Context) error {
	changed, err := h.Pipeline.CancelIngestion(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"cancelled": changed})
}

// remove deletes the document row and its indexed vectors. Both deletes are
// idempotent; the response just reports whether anything existed.
func (h *DocumentsHandler) remove(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()

	existed, err := h.Store.DeleteDocument(ctx, id)
	if err != nil {
		return err
	}
	hadVectors, err := h.Vectors.DeleteDocument(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"deleted": existed || hadVectors})
}
