// Package ingest drives one chunk attempt through upload and ledger commit.
//
// Each attempt runs in its own goroutine:
//
//	pending -> uploading -> pending_ledger_commit -> ready
//
// Upload and commit are retried independently under their own bounded
// backoff policies. When a budget is exhausted the attempt ends in error
// with last_error set; it is never reported ready on partial success.
// Attempts from the same session run concurrently and may finish in any
// order.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/chunkledger/internal/contentstore"
	"github.com/roach88/chunkledger/internal/events"
	"github.com/roach88/chunkledger/internal/fault"
	"github.com/roach88/chunkledger/internal/ledger"
	"github.com/roach88/chunkledger/internal/metrics"
	"github.com/roach88/chunkledger/internal/record"
	"github.com/roach88/chunkledger/internal/retry"
)

// ErrAbandoned is the cancellation cause of an abandoned attempt.
var ErrAbandoned = errors.New("chunk abandoned")

// ChunkStore is the persistence the pipeline needs. *store.Store satisfies it.
type ChunkStore interface {
	ReadChunk(ctx context.Context, attemptID string) (record.Chunk, error)
	UpdateChunk(ctx context.Context, c record.Chunk) (record.Chunk, error)
	WriteMediaRecord(ctx context.Context, m record.MediaRecord) (record.MediaRecord, bool, error)
}

// Config bounds the pipeline. Zero policies fall back to retry.DefaultPolicy.
type Config struct {
	Upload retry.Policy
	Commit retry.Policy

	// MaxInFlight caps concurrently running attempts; zero means unbounded.
	// Queued attempts stay pending.
	MaxInFlight int
}

// Job is one attempt to push through the pipeline.
type Job struct {
	Chunk record.Chunk
	Owner string

	// Data is nil when resuming an attempt whose content is already stored.
	Data []byte
}

// Stats summarizes pipeline activity since start.
type Stats struct {
	Submitted   int64         `json:"submitted"`
	Ready       int64         `json:"ready"`
	Failed      int64         `json:"failed"`
	InFlight    int64         `json:"in_flight"`
	AvgDuration time.Duration `json:"avg_duration_ns"`
}

// Pipeline runs chunk attempts asynchronously.
type Pipeline struct {
	store     ChunkStore
	content   contentstore.Store
	ledger    ledger.Ledger
	cfg       Config
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	base context.Context
	sem  chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	running  map[string]*run
	closed   bool
	stats    Stats
	totalDur time.Duration
}

type run struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPublisher sets where status transitions are published.
func WithPublisher(p events.Publisher) Option {
	return func(pl *Pipeline) {
		pl.publisher = p
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(pl *Pipeline) {
		pl.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(pl *Pipeline) {
		pl.logger = l
	}
}

// New creates a pipeline.
func New(store ChunkStore, content contentstore.Store, l ledger.Ledger, cfg Config, opts ...Option) *Pipeline {
	if cfg.Upload.Attempts == 0 {
		cfg.Upload = retry.DefaultPolicy
	}
	if cfg.Commit.Attempts == 0 {
		cfg.Commit = retry.DefaultPolicy
	}

	p := &Pipeline{
		store:     store,
		content:   content,
		ledger:    l,
		cfg:       cfg,
		publisher: events.Nop{},
		logger:    slog.Default(),
		base:      context.Background(),
		running:   make(map[string]*run),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = metrics.New(nil)
	}
	if cfg.MaxInFlight > 0 {
		p.sem = make(chan struct{}, cfg.MaxInFlight)
	}
	return p
}

// Submit starts the attempt in the background and returns immediately.
func (p *Pipeline) Submit(job Job) error {
	id := job.Chunk.AttemptID

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fault.InvalidState("ingest.submit", "pipeline is shut down")
	}
	if _, ok := p.running[id]; ok {
		p.mu.Unlock()
		return fault.InvalidState("ingest.submit", "attempt %s already running", id)
	}
	ctx, cancel := context.WithCancelCause(p.base)
	r := &run{cancel: cancel, done: make(chan struct{})}
	p.running[id] = r
	p.stats.Submitted++
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer p.finish(id, r)
		_, _ = p.Process(ctx, job)
	}()
	return nil
}

func (p *Pipeline) finish(id string, r *run) {
	p.mu.Lock()
	delete(p.running, id)
	p.mu.Unlock()
	r.cancel(nil)
	close(r.done)
}

// Process runs the attempt synchronously and returns its terminal record.
// The returned error is the cause of an error status, if any.
func (p *Pipeline) Process(ctx context.Context, job Job) (record.Chunk, error) {
	started := time.Now()
	c := job.Chunk
	log := p.logger.With("session_id", c.SessionID, "sequence_number", c.SequenceNumber, "attempt_id", c.AttemptID)

	if err := p.acquire(ctx); err != nil {
		return p.fail(ctx, log, c, started, err)
	}
	defer p.release()

	var err error
	if c.Status != record.ChunkPendingLedgerCommit || c.ContentID == "" {
		c, err = p.upload(ctx, log, c, job)
		if err != nil {
			return p.fail(ctx, log, c, started, err)
		}
	}

	c, err = p.commit(ctx, log, c, job.Owner)
	if err != nil {
		return p.fail(ctx, log, c, started, err)
	}

	p.record(record.ChunkReady, started)
	log.Info("chunk ready", "content_id", c.ContentID, "transaction_hash", c.TransactionHash,
		"attempts", c.AttemptCount, "duration", time.Since(started))
	return c, nil
}

func (p *Pipeline) upload(ctx context.Context, log *slog.Logger, c record.Chunk, job Job) (record.Chunk, error) {
	if job.Data == nil {
		return c, fault.InvalidInput("ingest.upload", "attempt %s has no bytes to upload", c.AttemptID)
	}

	c.ContentID = record.ContentID(job.Data)
	c.Size = int64(len(job.Data))
	c, err := p.transition(ctx, c, record.ChunkUploading)
	if err != nil {
		return c, err
	}
	p.metrics.ChunkBytes.Observe(float64(c.Size))

	meta, err := record.ChunkMetadata{
		ContentID:       c.ContentID,
		SessionID:       c.SessionID,
		SequenceNumber:  c.SequenceNumber,
		ClientTimestamp: c.ClientTimestamp,
		Owner:           job.Owner,
		Size:            c.Size,
	}.Canonical()
	if err != nil {
		return c, err
	}

	stageStart := time.Now()
	attempts, err := retry.Do(ctx, "ingest.upload", p.cfg.Upload, func(ctx context.Context) error {
		id, err := p.content.Put(ctx, job.Data)
		if err != nil {
			return err
		}
		if id != c.ContentID {
			return fault.Permanent("ingest.upload", 1, fmt.Errorf("store returned %s for content %s", id, c.ContentID))
		}
		metaID, err := p.content.Put(ctx, meta)
		if err != nil {
			return err
		}
		c.MetadataID = metaID
		return nil
	}, retry.OnRetry(p.onRetry(ctx, log, "upload", &c)))
	p.metrics.ObserveStage("upload", stageStart)
	c.AttemptCount += attempts - retriesCounted(attempts)
	if err != nil {
		return c, err
	}

	log.Debug("chunk uploaded", "content_id", c.ContentID, "metadata_id", c.MetadataID, "attempts", attempts)
	c.LastError = ""
	return p.transition(ctx, c, record.ChunkPendingLedgerCommit)
}

func (p *Pipeline) commit(ctx context.Context, log *slog.Logger, c record.Chunk, owner string) (record.Chunk, error) {
	entry := ledger.Entry{
		ContentID: c.ContentID,
		Owner:     owner,
		Metadata: map[string]string{
			"session_id":      c.SessionID,
			"sequence_number": fmt.Sprint(c.SequenceNumber),
			"metadata_id":     c.MetadataID,
		},
	}

	var receipt ledger.Receipt
	stageStart := time.Now()
	attempts, err := retry.Do(ctx, "ingest.commit", p.cfg.Commit, func(ctx context.Context) error {
		var err error
		receipt, err = p.ledger.Commit(ctx, entry)
		return err
	}, retry.OnRetry(p.onRetry(ctx, log, "commit", &c)))
	p.metrics.ObserveStage("commit", stageStart)
	c.AttemptCount += attempts - retriesCounted(attempts)
	if err != nil {
		return c, err
	}

	_, inserted, err := p.store.WriteMediaRecord(context.WithoutCancel(ctx), record.MediaRecord{
		TokenID:         receipt.Height,
		ContentID:       c.ContentID,
		MetadataID:      c.MetadataID,
		Owner:           owner,
		SessionID:       c.SessionID,
		SequenceNumber:  c.SequenceNumber,
		TransactionHash: receipt.TxHash,
		MintedAt:        receipt.CommittedAt,
	})
	if err != nil {
		return c, err
	}
	log.Debug("ledger commit done", "transaction_hash", receipt.TxHash, "token_id", receipt.Height,
		"attempts", attempts, "minted", inserted)

	c.TransactionHash = receipt.TxHash
	c.LastError = ""
	return p.transition(ctx, c, record.ChunkReady)
}

// retriesCounted is the number of attempts onRetry already added to
// AttemptCount: every attempt but the last triggers it.
func retriesCounted(attempts int) int {
	if attempts <= 1 {
		return 0
	}
	return attempts - 1
}

// onRetry persists progress between attempts so pollers see the attempt
// count and the error being retried.
func (p *Pipeline) onRetry(ctx context.Context, log *slog.Logger, stage string, c *record.Chunk) func(int, time.Duration, error) {
	return func(attempt int, delay time.Duration, err error) {
		p.metrics.StageRetries.WithLabelValues(stage).Inc()
		log.Debug("retrying "+stage, "attempt", attempt, "delay", delay, "error", err)

		c.AttemptCount++
		c.LastError = err.Error()
		updated, uerr := p.store.UpdateChunk(context.WithoutCancel(ctx), *c)
		if uerr != nil {
			log.Warn("failed to record retry", "error", uerr)
			return
		}
		*c = updated
	}
}

func (p *Pipeline) fail(ctx context.Context, log *slog.Logger, c record.Chunk, started time.Time, cause error) (record.Chunk, error) {
	if errors.Is(context.Cause(ctx), ErrAbandoned) {
		cause = ErrAbandoned
	}
	c.LastError = cause.Error()

	updated, err := p.transition(ctx, c, record.ChunkError)
	if err != nil {
		if fault.Is(err, fault.KindInvalidState) {
			// Already terminal, e.g. abandoned while running.
			log.Debug("attempt already terminal", "status", updated.Status)
			p.record(record.ChunkError, started)
			return updated, cause
		}
		log.Error("failed to record chunk error", "error", err)
		return c, errors.Join(cause, err)
	}

	p.record(record.ChunkError, started)
	log.Error("chunk failed", "attempts", updated.AttemptCount, "error", cause)
	return updated, cause
}

// transition persists c with a new status and announces it. Store writes
// outlive cancellation so an abandoned attempt still records its end.
func (p *Pipeline) transition(ctx context.Context, c record.Chunk, status record.ChunkStatus) (record.Chunk, error) {
	c.Status = status
	updated, err := p.store.UpdateChunk(context.WithoutCancel(ctx), c)
	if err != nil {
		return updated, err
	}
	p.metrics.ChunkTransitions.WithLabelValues(string(status)).Inc()
	p.publish(ctx, updated)
	return updated, nil
}

func (p *Pipeline) publish(ctx context.Context, c record.Chunk) {
	if err := p.publisher.Publish(context.WithoutCancel(ctx), events.FromChunk(c)); err != nil {
		p.logger.Warn("failed to publish chunk event", "attempt_id", c.AttemptID, "error", err)
	}
}

func (p *Pipeline) acquire(ctx context.Context) error {
	if p.sem != nil {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
	p.metrics.InFlight.Inc()
	p.mu.Lock()
	p.stats.InFlight++
	p.mu.Unlock()
	return nil
}

func (p *Pipeline) release() {
	p.metrics.InFlight.Dec()
	p.mu.Lock()
	p.stats.InFlight--
	p.mu.Unlock()
	if p.sem != nil {
		<-p.sem
	}
}

func (p *Pipeline) record(status record.ChunkStatus, started time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if status == record.ChunkReady {
		p.stats.Ready++
	} else {
		p.stats.Failed++
	}
	p.totalDur += time.Since(started)
}

// Stats returns a snapshot of pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	if done := s.Ready + s.Failed; done > 0 {
		s.AvgDuration = p.totalDur / time.Duration(done)
	}
	return s
}

// Running reports whether the attempt is currently owned by the pipeline.
func (p *Pipeline) Running(attemptID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[attemptID]
	return ok
}

// Wait blocks until the attempt is no longer running or ctx ends, then
// returns its stored record. On ctx expiry the current record is returned
// together with ctx's error.
func (p *Pipeline) Wait(ctx context.Context, attemptID string) (record.Chunk, error) {
	p.mu.Lock()
	r := p.running[attemptID]
	p.mu.Unlock()

	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			c, err := p.store.ReadChunk(context.WithoutCancel(ctx), attemptID)
			if err != nil {
				return record.Chunk{}, err
			}
			return c, ctx.Err()
		}
	}
	return p.store.ReadChunk(ctx, attemptID)
}

// Abandon stops an attempt without further retries and moves it straight
// to error. Abandoning a terminal attempt is InvalidState.
func (p *Pipeline) Abandon(ctx context.Context, attemptID string) (record.Chunk, error) {
	c, err := p.store.ReadChunk(ctx, attemptID)
	if err != nil {
		return record.Chunk{}, err
	}
	if c.Status.IsTerminal() {
		return c, fault.InvalidState("ingest.abandon", "attempt %s is already %s", attemptID, c.Status)
	}

	c.LastError = ErrAbandoned.Error()
	updated, err := p.transition(ctx, c, record.ChunkError)
	if err != nil {
		return updated, err
	}

	p.mu.Lock()
	r := p.running[attemptID]
	p.mu.Unlock()
	if r != nil {
		r.cancel(ErrAbandoned)
	}

	p.logger.Info("chunk abandoned", "session_id", c.SessionID, "sequence_number", c.SequenceNumber, "attempt_id", attemptID)
	return updated, nil
}

// Shutdown stops accepting jobs and waits for running attempts to finish
// or ctx to end. It cancels nothing.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
