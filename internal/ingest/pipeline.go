// Package ingest runs the document ingestion pipeline: a forward-only state
// machine that extracts text, chunks it, embeds the chunks and indexes them
// into the vector store, persisting progress before every step so a crash or
// poll always observes the true position.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/rulewise/rulewise/config"
	"github.com/rulewise/rulewise/internal/chunker"
	"github.com/rulewise/rulewise/internal/vectorstore"
	"github.com/rulewise/rulewise/models"
	"github.com/rulewise/rulewise/provider"
)

var (
	metricsOnce    sync.Once
	chunksCounter  otelmetric.Int64Counter
	metricsInitErr error
)

func initIngestMetrics() {
	meter := otel.Meter("ingest")
	chunksCounter, metricsInitErr = meter.Int64Counter("chunks_indexed_total")
}

// ProgressStore persists document state and progress. *store.Store
// implements it. AdvanceProgress must refuse to overwrite a terminal record
// and report the refusal via its bool.
type ProgressStore interface {
	AdvanceProgress(ctx context.Context, documentID string, step models.ProcessingStep, etaSeconds *int) (bool, error)
	FailDocument(ctx context.Context, documentID, cause string) (bool, error)
	GetProgress(ctx context.Context, documentID string) (models.ProcessingProgress, bool, error)
}

// Pipeline coordinates ingestion runs. One run per document at a time; runs
// execute on their own goroutine and are cancellable at step boundaries.
type Pipeline struct {
	store    ProgressStore
	embedder provider.Embedder
	vectors  vectorstore.Store
	splitter *chunker.Splitter
	cfg      config.IngestionConfig
	logger   *log.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New builds the pipeline. cfg defaults are applied here, so a zero value
// works.
func New(store ProgressStore, embedder provider.Embedder, vectors vectorstore.Store, cfg config.IngestionConfig, logger *log.Logger) (*Pipeline, error) {
	cfg = cfg.Normalize()
	splitter, err := chunker.New(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, fmt.Errorf("chunker: %w", err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[INGEST] ", log.LstdFlags)
	}
	metricsOnce.Do(initIngestMetrics)
	return &Pipeline{
		store:    store,
		embedder: embedder,
		vectors:  vectors,
		splitter: splitter,
		cfg:      cfg,
		logger:   logger,
		running:  make(map[string]context.CancelFunc),
	}, nil
}

// StartIngestion begins processing a document's raw content and returns once
// the run is registered and the initial progress is persisted. The run
// itself proceeds in the background; callers poll GetProgress.
func (p *Pipeline) StartIngestion(ctx context.Context, documentID, scope string, raw []byte) error {
	if documentID == "" || scope == "" {
		return models.Invalid("document id and scope are required")
	}
	if len(raw) == 0 {
		return models.Invalid("document content is empty")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	if _, busy := p.running[documentID]; busy {
		p.mu.Unlock()
		cancel()
		return models.Invalid("document %s is already being ingested", documentID)
	}
	p.running[documentID] = cancel
	p.mu.Unlock()

	advanced, err := p.store.AdvanceProgress(ctx, documentID, models.StepUploading, nil)
	if err != nil {
		p.unregister(documentID)
		cancel()
		return fmt.Errorf("record upload progress: %w", err)
	}
	if !advanced {
		p.unregister(documentID)
		cancel()
		return models.Invalid("document %s is already in a terminal state", documentID)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.unregister(documentID)
		defer cancel()
		p.run(runCtx, documentID, scope, raw)
	}()
	return nil
}

// CancelIngestion requests cancellation of a running ingestion. The first
// call for a live run returns true; repeated calls and calls against
// documents already in a terminal state return false.
func (p *Pipeline) CancelIngestion(ctx context.Context, documentID string) (bool, error) {
	if documentID == "" {
		return false, models.Invalid("document id is required")
	}
	changed, err := p.store.FailDocument(ctx, documentID, models.CancelledReason)
	if err != nil {
		return false, fmt.Errorf("cancel document %s: %w", documentID, err)
	}

	p.mu.Lock()
	cancel, ok := p.running[documentID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	if changed {
		p.logger.Printf("document %s cancelled", documentID)
	}
	return changed, nil
}

// GetProgress reads the persisted progress record for a document.
func (p *Pipeline) GetProgress(ctx context.Context, documentID string) (models.ProcessingProgress, bool, error) {
	return p.store.GetProgress(ctx, documentID)
}

// Close cancels all running ingestions and waits for their goroutines.
func (p *Pipeline) Close() {
	p.mu.Lock()
	for _, cancel := range p.running {
		cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pipeline) unregister(documentID string) {
	p.mu.Lock()
	delete(p.running, documentID)
	p.mu.Unlock()
}

// run executes the forward step sequence. Progress is written before each
// step starts, and cancellation is honored at every step boundary.
func (p *Pipeline) run(ctx context.Context, documentID, scope string, raw []byte) {
	start := time.Now()

	var text string
	ok := p.step(ctx, documentID, models.StepExtracting, nil, func() error {
		var err error
		text, err = extractText(raw)
		return err
	})
	if !ok {
		return
	}

	var chunks []chunker.Chunk
	ok = p.step(ctx, documentID, models.StepChunking, nil, func() error {
		chunks = p.splitter.SplitAll(text)
		if len(chunks) == 0 {
			return errors.New("no chunks produced")
		}
		return nil
	})
	if !ok {
		return
	}

	eta := p.embedEstimate(len(chunks))
	var embedded [][]float32
	ok = p.step(ctx, documentID, models.StepEmbedding, &eta, func() error {
		var err error
		embedded, err = p.embedChunks(ctx, chunks)
		return err
	})
	if !ok {
		return
	}

	ok = p.step(ctx, documentID, models.StepIndexing, nil, func() error {
		return p.indexChunks(ctx, documentID, scope, chunks, embedded)
	})
	if !ok {
		return
	}

	if p.cancelled(ctx, documentID) {
		return
	}
	advanced, err := p.store.AdvanceProgress(ctx, documentID, models.StepCompleted, nil)
	if err != nil {
		p.logger.Printf("document %s: record completion: %v", documentID, err)
		return
	}
	if !advanced {
		p.logger.Printf("document %s: already terminal, completion not recorded", documentID)
		return
	}
	p.logger.Printf("document %s ingested in %s (%d chunks)", documentID, time.Since(start).Round(time.Millisecond), len(chunks))
}

// step checks for cancellation, persists the transition, then runs the work
// with bounded retries. It reports whether the run may continue. A refused
// advance means another writer committed a terminal record, typically a
// cancellation racing the step boundary, and stops the run without touching
// that record.
func (p *Pipeline) step(ctx context.Context, documentID string, s models.ProcessingStep, eta *int, work func() error) bool {
	if p.cancelled(ctx, documentID) {
		return false
	}
	advanced, err := p.store.AdvanceProgress(ctx, documentID, s, eta)
	if err != nil {
		p.logger.Printf("document %s: record %s progress: %v", documentID, s, err)
		p.fail(documentID, s, err)
		return false
	}
	if !advanced {
		p.logger.Printf("document %s: terminal record present, stopping before %s", documentID, s)
		return false
	}
	if err := p.retry(ctx, work); err != nil {
		if ctx.Err() != nil {
			// Cancelled mid-step; CancelIngestion already wrote the
			// terminal record.
			return false
		}
		p.fail(documentID, s, err)
		return false
	}
	return true
}

// cancelled reports whether the run context was cancelled. The terminal
// record is written by CancelIngestion, so nothing is persisted here.
func (p *Pipeline) cancelled(ctx context.Context, documentID string) bool {
	if ctx.Err() == nil {
		return false
	}
	p.logger.Printf("document %s: stopping at step boundary: %v", documentID, ctx.Err())
	return true
}

func (p *Pipeline) fail(documentID string, s models.ProcessingStep, cause error) {
	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()
	msg := fmt.Sprintf("%s: %v", s, cause)
	if _, err := p.store.FailDocument(ctx, documentID, msg); err != nil {
		p.logger.Printf("document %s: record failure: %v", documentID, err)
		return
	}
	p.logger.Printf("document %s failed at %s: %v", documentID, s, cause)
}

// retry runs fn, retrying transient dependency failures with linear backoff
// up to the configured attempt budget. Permanent errors fail immediately.
func (p *Pipeline) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * p.cfg.RetryBackoff):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !errors.Is(err, models.ErrTransientDependency) {
			return err
		}
		p.logger.Printf("transient failure (attempt %d/%d): %v", attempt+1, p.cfg.MaxRetries+1, err)
	}
	return fmt.Errorf("retries exhausted: %w", err)
}

// embedEstimate is a rough seconds-remaining guess for the embedding step,
// assuming about one second per batch.
func (p *Pipeline) embedEstimate(chunks int) int {
	batches := (chunks + p.cfg.EmbedBatchSize - 1) / p.cfg.EmbedBatchSize
	if batches < 1 {
		batches = 1
	}
	return batches
}

// embedChunks embeds all chunks in batches with bounded parallelism,
// preserving chunk order in the result.
func (p *Pipeline) embedChunks(ctx context.Context, chunks []chunker.Chunk) ([][]float32, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.EmbedConcurrency)
	for start := 0; start < len(texts); start += p.cfg.EmbedBatchSize {
		end := start + p.cfg.EmbedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		start, end := start, end
		g.Go(func() error {
			vecs, err := p.embedder.CreateEmbedding(gctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("embed batch %d-%d: %w", start, end, err)
			}
			if len(vecs) != end-start {
				return fmt.Errorf("embed batch %d-%d: got %d vectors", start, end, len(vecs))
			}
			copy(out[start:], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// indexChunks upserts the embedded chunks. Any chunk the store could not
// index fails the document; partial indexes are not acceptable for a
// rulebook.
func (p *Pipeline) indexChunks(ctx context.Context, documentID, scope string, chunks []chunker.Chunk, vectors [][]float32) error {
	if err := p.vectors.EnsureCollection(ctx, scope); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}
	points := make([]vectorstore.Chunk, len(chunks))
	for i, c := range chunks {
		points[i] = vectorstore.Chunk{
			ID:         chunkID(documentID, c.Index),
			DocumentID: documentID,
			Scope:      scope,
			Index:      c.Index,
			Text:       c.Text,
			Vector:     vectors[i],
		}
	}
	res, err := p.vectors.Upsert(ctx, scope, documentID, points)
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	if res.Failed > 0 {
		return fmt.Errorf("%d of %d chunks failed to index", res.Failed, len(points))
	}
	if chunksCounter != nil && metricsInitErr == nil {
		chunksCounter.Add(ctx, int64(res.Indexed))
	}
	return nil
}
