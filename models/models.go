package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrDocumentNotFound is returned when a document is not found
var ErrDocumentNotFound = errors.New("document not found")

// ErrTransientDependency marks a failure of an external dependency that is
// worth retrying (timeouts, 5xx-equivalent responses).
var ErrTransientDependency = errors.New("transient dependency failure")

// CancelledReason is the reserved failure message recorded when ingestion is
// cancelled by the user. A Failed progress record with this message is the
// cancelled terminal state.
const CancelledReason = "cancelled by user"

// ValidationError reports malformed input rejected before it reaches the
// pipeline or cache.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Invalid builds a ValidationError.
func Invalid(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ProcessingStep enumerates the ingestion state machine. Steps only move
// forward; Failed is reachable from any non-terminal step.
type ProcessingStep string

const (
	StepUploading  ProcessingStep = "uploading"
	StepExtracting ProcessingStep = "extracting"
	StepChunking   ProcessingStep = "chunking"
	StepEmbedding  ProcessingStep = "embedding"
	StepIndexing   ProcessingStep = "indexing"
	StepCompleted  ProcessingStep = "completed"
	StepFailed     ProcessingStep = "failed"
)

// Steps lists the forward step order of a successful run.
var Steps = []ProcessingStep{
	StepUploading,
	StepExtracting,
	StepChunking,
	StepEmbedding,
	StepIndexing,
	StepCompleted,
}

// Percent returns the fixed percent-complete mapping for a step, so clients
// polling progress see monotonic, comparable numbers across runs.
func (s ProcessingStep) Percent() int {
	switch s {
	case StepUploading:
		return 10
	case StepExtracting:
		return 20
	case StepChunking:
		return 40
	case StepEmbedding:
		return 60
	case StepIndexing:
		return 80
	case StepCompleted:
		return 100
	default:
		return 0
	}
}

// Terminal reports whether the step ends the state machine.
func (s ProcessingStep) Terminal() bool {
	return s == StepCompleted || s == StepFailed
}

// Next returns the step that follows s on the success path.
func (s ProcessingStep) Next() (ProcessingStep, bool) {
	for i, step := range Steps {
		if step == s && i+1 < len(Steps) {
			return Steps[i+1], true
		}
	}
	return "", false
}

// Document identifies one uploaded rulebook source within a scope (game).
type Document struct {
	ID         string         `json:"id"`
	Scope      string         `json:"scope"`
	Filename   string         `json:"filename"`
	SizeBytes  int64          `json:"size_bytes"`
	UploadedAt time.Time      `json:"uploaded_at"`
	State      ProcessingStep `json:"state"`
}

// ProcessingProgress is the per-document progress record, owned exclusively
// by the ingestion pipeline.
type ProcessingProgress struct {
	DocumentID                string         `json:"document_id"`
	Step                      ProcessingStep `json:"step"`
	Percent                   int            `json:"percent"`
	EstimatedSecondsRemaining *int           `json:"estimated_seconds_remaining,omitempty"`
	Error                     string         `json:"error,omitempty"`
	UpdatedAt                 time.Time      `json:"updated_at"`
}

// Cancelled reports whether this progress record is the cancelled terminal
// state.
func (p ProcessingProgress) Cancelled() bool {
	return p.Step == StepFailed && p.Error == CancelledReason
}

// CacheEntry is a cached answer payload keyed by fingerprint.
type CacheEntry struct {
	Fingerprint string    `json:"fingerprint"`
	Scope       string    `json:"scope"`
	Answer      string    `json:"answer"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// CacheStat aggregates hit/miss counters per (scope, fingerprint). Counters
// only grow; an administrative reset is the single exception.
type CacheStat struct {
	Scope       string     `json:"scope"`
	Fingerprint string     `json:"fingerprint"`
	Question    string     `json:"question"`
	Hits        int64      `json:"hits"`
	Misses      int64      `json:"misses"`
	LastHitAt   *time.Time `json:"last_hit_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
