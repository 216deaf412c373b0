// Package batch runs diptych batches on a fixed worker pool, tracks their
// progress and serves low-latency previews through the same renderer.
package batch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dunamismax/diptych/internal/domain"
)

var (
	// ErrBatchPartialFailure wraps the first job error of a batch.
	ErrBatchPartialFailure = errors.New("batch partially failed")
	// ErrNothingToFinalize means no job of the batch produced an output.
	ErrNothingToFinalize = errors.New("no diptych was rendered")
	ErrBatchRunning      = errors.New("batch is still running")
	ErrNotFound          = errors.New("not found")
	ErrPreviewPending    = errors.New("preview is not ready")
)

// JobError is a failed job within a batch.
type JobError struct {
	Index int
	Pair  domain.PairKey
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("diptych %d (%s, %s): %v", e.Index+1, e.Pair.Image1, e.Pair.Image2, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// Snapshot is a consistent view of a batch taken under its lock.
type Snapshot struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	Total        int       `json:"total"`
	Processed    int       `json:"processed"`
	Failed       int       `json:"failed"`
	CacheHits    int       `json:"cache_hits"`
	Error        string    `json:"error,omitempty"`
	FinalPaths   []string  `json:"final_paths"`
	OutputDir    string    `json:"output_dir"`
	ZipRequested bool      `json:"zip_requested"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Terminal reports whether the batch has finished running.
func (s Snapshot) Terminal() bool {
	return s.State == domain.BatchStatusComplete || s.State == domain.BatchStatusFailed
}

// Batch is one submitted set of jobs. Jobs are fixed at submission, in their
// final order; only progress changes afterwards.
type Batch struct {
	id         string
	jobs       []domain.DiptychJob
	outputDir  string
	zip        bool
	webhookURL string
	done       chan struct{}

	// saveMu orders progress writes; savedAt is the last one.
	saveMu  sync.Mutex
	savedAt time.Time

	mu        sync.Mutex
	state     string
	processed int
	failed    int
	cacheHits int
	err       error
	paths     []string
	createdAt time.Time
	updatedAt time.Time
}

func newBatch(id string, req domain.BatchRequest, outputDir string, now time.Time) *Batch {
	return &Batch{
		id:         id,
		jobs:       req.Jobs,
		outputDir:  outputDir,
		zip:        req.Zip,
		webhookURL: req.WebhookURL,
		done:       make(chan struct{}),
		state:      domain.BatchStatusIdle,
		paths:      make([]string, len(req.Jobs)),
		createdAt:  now,
		updatedAt:  now,
	}
}

func (b *Batch) ID() string {
	return b.id
}

func (b *Batch) WebhookURL() string {
	return b.webhookURL
}

// Done is closed once every job has run.
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Err returns the first job error wrapped in ErrBatchPartialFailure, or nil.
func (b *Batch) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrBatchPartialFailure, b.err)
}

func (b *Batch) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		ID:           b.id,
		State:        b.state,
		Total:        len(b.jobs),
		Processed:    b.processed,
		Failed:       b.failed,
		CacheHits:    b.cacheHits,
		FinalPaths:   make([]string, 0, b.processed),
		OutputDir:    b.outputDir,
		ZipRequested: b.zip,
		CreatedAt:    b.createdAt,
		UpdatedAt:    b.updatedAt,
	}
	if b.err != nil {
		snap.Error = b.err.Error()
	}
	for _, p := range b.paths {
		if p != "" {
			snap.FinalPaths = append(snap.FinalPaths, p)
		}
	}
	return snap
}

func (b *Batch) start(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = domain.BatchStatusRunning
	b.updatedAt = now
}

func (b *Batch) recordSuccess(index int, path string, cacheHit bool, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paths[index] = path
	b.processed++
	if cacheHit {
		b.cacheHits++
	}
	b.updatedAt = now
}

func (b *Batch) recordFailure(err *JobError, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed++
	if b.err == nil {
		b.err = err
	}
	b.updatedAt = now
}

// finish moves the batch to its terminal state. A batch fails only when no job
// succeeded; partial failures complete with Error set.
func (b *Batch) finish(now time.Time) Snapshot {
	b.mu.Lock()
	if b.processed == 0 && len(b.jobs) > 0 {
		b.state = domain.BatchStatusFailed
	} else {
		b.state = domain.BatchStatusComplete
	}
	b.updatedAt = now
	b.mu.Unlock()

	close(b.done)
	return b.Snapshot()
}

func recordFromSnapshot(s Snapshot) domain.BatchRecord {
	return domain.BatchRecord{
		ID:           s.ID,
		Status:       s.State,
		Total:        s.Total,
		Processed:    s.Processed,
		Failed:       s.Failed,
		CacheHits:    s.CacheHits,
		OutputDir:    s.OutputDir,
		ZipRequested: s.ZipRequested,
		FinalPaths:   s.FinalPaths,
		Error:        s.Error,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

func snapshotFromRecord(rec domain.BatchRecord) Snapshot {
	paths := rec.FinalPaths
	if paths == nil {
		paths = []string{}
	}
	return Snapshot{
		ID:           rec.ID,
		State:        rec.Status,
		Total:        rec.Total,
		Processed:    rec.Processed,
		Failed:       rec.Failed,
		CacheHits:    rec.CacheHits,
		Error:        rec.Error,
		FinalPaths:   paths,
		OutputDir:    rec.OutputDir,
		ZipRequested: rec.ZipRequested,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}
