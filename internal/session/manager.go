// Package session owns the session lifecycle and the assignment of
// authoritative chunk sequence numbers.
//
// The Manager is the only writer of a session's sequence counter. Clients
// may send a sequence hint, but it is used only to recognise a duplicate
// submission; the number a chunk gets always comes from the server.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/roach88/chunkledger/internal/contentstore"
	"github.com/roach88/chunkledger/internal/fault"
	"github.com/roach88/chunkledger/internal/ingest"
	"github.com/roach88/chunkledger/internal/metrics"
	"github.com/roach88/chunkledger/internal/reconcile"
	"github.com/roach88/chunkledger/internal/record"
	"github.com/roach88/chunkledger/internal/store"
)

// maxOwnerLen bounds owner identifiers (wallet addresses, account ids).
const maxOwnerLen = 128

// Store is the persistence the Manager needs. *store.Store satisfies it.
type Store interface {
	CreateSession(ctx context.Context, sess record.Session) (record.Session, error)
	ReadSession(ctx context.Context, id string) (record.Session, error)
	CompleteSession(ctx context.Context, id string) (record.Session, bool, error)
	ListSessionsByOwner(ctx context.Context, owner string) ([]record.Session, error)
	AppendChunk(ctx context.Context, c record.Chunk) (record.Chunk, error)
	UpdateChunk(ctx context.Context, c record.Chunk) (record.Chunk, error)
	ReadChunk(ctx context.Context, attemptID string) (record.Chunk, error)
	ReadChunks(ctx context.Context, sessionID string) ([]record.Chunk, error)
	LatestAttempt(ctx context.Context, sessionID string, seq int64) (record.Chunk, error)
	FindChunkByHint(ctx context.Context, sessionID string, hint int64) (record.Chunk, error)
	MaxSequence(ctx context.Context, sessionID string) (int64, bool, error)
	GetRecoveryState(ctx context.Context) (store.RecoveryState, error)
}

// Ingester runs chunk attempts. *ingest.Pipeline satisfies it.
type Ingester interface {
	Submit(job ingest.Job) error
	Wait(ctx context.Context, attemptID string) (record.Chunk, error)
	Abandon(ctx context.Context, attemptID string) (record.Chunk, error)
}

// AppendRequest carries one captured chunk.
type AppendRequest struct {
	SessionID       string
	Data            []byte
	ClientTimestamp time.Time

	// ClientHint is the caller's own sequence guess. A repeated hint with
	// identical bytes is treated as a duplicate submission.
	ClientHint *int64
}

// ResubmitRequest restarts a failed chunk under its original sequence number.
type ResubmitRequest struct {
	SessionID      string
	SequenceNumber int64

	// Data defaults to the previously uploaded content when nil.
	Data            []byte
	ClientTimestamp time.Time
}

// Log is a session together with its raw chunk log.
type Log struct {
	Session record.Session `json:"session"`
	Chunks  []record.Chunk `json:"chunks"`
}

// Manager implements session operations.
type Manager struct {
	store    Store
	ingester Ingester
	content  contentstore.Store
	ids      IDGenerator
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	counters map[string]*counter
}

// counter is the per-session serialization point.
type counter struct {
	seq *Sequencer

	// attemptMu serializes check-then-insert sequences: the duplicate
	// check of hinted appends and the status check of resubmissions.
	attemptMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithIDGenerator overrides id generation.
func WithIDGenerator(g IDGenerator) Option {
	return func(m *Manager) {
		m.ids = g
	}
}

// WithNow overrides the clock used for missing client timestamps.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a Manager. content is used to fetch prior bytes on
// resubmission.
func NewManager(s Store, ing Ingester, content contentstore.Store, opts ...Option) *Manager {
	m := &Manager{
		store:    s,
		ingester: ing,
		content:  content,
		ids:      UUIDv7Generator{},
		now:      time.Now,
		logger:   slog.Default(),
		counters: make(map[string]*counter),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.New(nil)
	}
	return m
}

// CreateSession allocates a new active session for owner.
func (m *Manager) CreateSession(ctx context.Context, owner string) (record.Session, error) {
	if err := validateOwner(owner); err != nil {
		return record.Session{}, err
	}

	sess, err := m.store.CreateSession(ctx, record.Session{ID: m.ids.Generate(), Owner: owner})
	if err != nil {
		return record.Session{}, err
	}

	m.mu.Lock()
	m.counters[sess.ID] = &counter{seq: NewSequencer()}
	m.mu.Unlock()

	m.metrics.SessionsCreated.Inc()
	m.logger.Info("session created", "session_id", sess.ID, "owner", owner)
	return sess, nil
}

// EndSession completes a session. Ending a completed session is a no-op
// success. In-flight chunks keep running.
func (m *Manager) EndSession(ctx context.Context, id string) (record.Session, error) {
	sess, changed, err := m.store.CompleteSession(ctx, id)
	if err != nil {
		return record.Session{}, err
	}
	if changed {
		m.metrics.SessionsEnded.Inc()
		m.logger.Info("session ended", "session_id", id)
	}
	return sess, nil
}

// GetSession returns a session.
func (m *Manager) GetSession(ctx context.Context, id string) (record.Session, error) {
	return m.store.ReadSession(ctx, id)
}

// AppendChunk assigns the next sequence number, records a pending attempt
// and hands it to the ingest pipeline. It returns without waiting for the
// upload; poll GetChunk or WaitChunk, or subscribe to events, for the
// terminal status.
func (m *Manager) AppendChunk(ctx context.Context, req AppendRequest) (record.Chunk, error) {
	if len(req.Data) == 0 {
		return record.Chunk{}, fault.InvalidInput("session.append", "chunk is empty")
	}
	if req.ClientHint != nil && *req.ClientHint < 0 {
		return record.Chunk{}, fault.InvalidInput("session.append", "sequence hint must be non-negative")
	}

	sess, err := m.activeSession(ctx, "session.append", req.SessionID)
	if err != nil {
		return record.Chunk{}, err
	}
	ctr, err := m.counter(ctx, sess.ID)
	if err != nil {
		return record.Chunk{}, err
	}

	contentID := record.ContentID(req.Data)
	if req.ClientHint != nil {
		ctr.attemptMu.Lock()
		defer ctr.attemptMu.Unlock()

		dup, ok, err := m.duplicate(ctx, sess.ID, *req.ClientHint, contentID)
		if err != nil {
			return record.Chunk{}, err
		}
		if ok {
			m.logger.Debug("duplicate chunk submission", "session_id", sess.ID,
				"client_hint", *req.ClientHint, "attempt_id", dup.AttemptID)
			return dup, nil
		}
	}

	c := record.Chunk{
		AttemptID:       m.ids.Generate(),
		SessionID:       sess.ID,
		SequenceNumber:  ctr.seq.Next(),
		ClientTimestamp: m.timestamp(req.ClientTimestamp),
		ClientHint:      req.ClientHint,
		ContentID:       contentID,
		Size:            int64(len(req.Data)),
		Status:          record.ChunkPending,
	}
	c, err = m.start(ctx, c, sess.Owner, req.Data)
	if err != nil {
		return record.Chunk{}, err
	}

	m.metrics.ChunksAppended.Inc()
	m.logger.Debug("chunk appended", "session_id", sess.ID, "sequence_number", c.SequenceNumber, "attempt_id", c.AttemptID)
	return c, nil
}

// duplicate finds an earlier submission with the same hint and bytes and
// returns the latest attempt for its sequence number.
func (m *Manager) duplicate(ctx context.Context, sessionID string, hint int64, contentID string) (record.Chunk, bool, error) {
	prior, err := m.store.FindChunkByHint(ctx, sessionID, hint)
	if fault.Is(err, fault.KindNotFound) {
		return record.Chunk{}, false, nil
	}
	if err != nil {
		return record.Chunk{}, false, err
	}
	if prior.ContentID != contentID {
		return record.Chunk{}, false, nil
	}
	latest, err := m.store.LatestAttempt(ctx, sessionID, prior.SequenceNumber)
	if err != nil {
		return record.Chunk{}, false, err
	}
	return latest, true, nil
}

// ResubmitChunk starts a new attempt for a sequence number whose latest
// attempt ended in error or became unavailable. The old attempt is kept.
func (m *Manager) ResubmitChunk(ctx context.Context, req ResubmitRequest) (record.Chunk, error) {
	sess, err := m.activeSession(ctx, "session.resubmit", req.SessionID)
	if err != nil {
		return record.Chunk{}, err
	}
	ctr, err := m.counter(ctx, sess.ID)
	if err != nil {
		return record.Chunk{}, err
	}
	ctr.attemptMu.Lock()
	defer ctr.attemptMu.Unlock()

	latest, err := m.store.LatestAttempt(ctx, sess.ID, req.SequenceNumber)
	if err != nil {
		return record.Chunk{}, err
	}
	if latest.Status != record.ChunkError && latest.Status != record.ChunkUnavailable {
		return record.Chunk{}, fault.InvalidState("session.resubmit",
			"chunk %d is %s; only failed chunks can be resubmitted", req.SequenceNumber, latest.Status)
	}

	data := req.Data
	if data == nil {
		if latest.ContentID == "" {
			return record.Chunk{}, fault.InvalidInput("session.resubmit", "chunk %d has no stored bytes; provide them", req.SequenceNumber)
		}
		data, err = m.content.Get(ctx, latest.ContentID)
		if fault.Is(err, fault.KindNotFound) {
			return record.Chunk{}, fault.InvalidInput("session.resubmit", "bytes for chunk %d were never stored; provide them", req.SequenceNumber)
		}
		if err != nil {
			return record.Chunk{}, err
		}
	}
	if len(data) == 0 {
		return record.Chunk{}, fault.InvalidInput("session.resubmit", "chunk is empty")
	}

	c := record.Chunk{
		AttemptID:       m.ids.Generate(),
		SessionID:       sess.ID,
		SequenceNumber:  req.SequenceNumber,
		ClientTimestamp: m.timestamp(req.ClientTimestamp),
		ContentID:       record.ContentID(data),
		Size:            int64(len(data)),
		Status:          record.ChunkPending,
		Supersedes:      latest.AttemptID,
	}
	if !c.ClientTimestamp.After(latest.ClientTimestamp) {
		return record.Chunk{}, fault.InvalidInput("session.resubmit",
			"client timestamp %s must be after the failed attempt's %s",
			record.FormatTime(c.ClientTimestamp), record.FormatTime(latest.ClientTimestamp))
	}

	c, err = m.start(ctx, c, sess.Owner, data)
	if err != nil {
		return record.Chunk{}, err
	}

	m.metrics.Resubmissions.Inc()
	m.logger.Info("chunk resubmitted", "session_id", sess.ID, "sequence_number", c.SequenceNumber,
		"attempt_id", c.AttemptID, "supersedes", latest.AttemptID)
	return c, nil
}

// start persists a pending attempt and submits it. If the pipeline refuses
// the job the attempt is closed out as an error.
func (m *Manager) start(ctx context.Context, c record.Chunk, owner string, data []byte) (record.Chunk, error) {
	c, err := m.store.AppendChunk(ctx, c)
	if err != nil {
		return record.Chunk{}, err
	}

	if err := m.ingester.Submit(ingest.Job{Chunk: c, Owner: owner, Data: data}); err != nil {
		c.Status = record.ChunkError
		c.LastError = err.Error()
		if _, uerr := m.store.UpdateChunk(context.WithoutCancel(ctx), c); uerr != nil {
			m.logger.Error("failed to record rejected chunk", "attempt_id", c.AttemptID, "error", uerr)
		}
		return record.Chunk{}, err
	}
	return c, nil
}

// AbandonChunk stops a chunk attempt; it goes straight to error.
func (m *Manager) AbandonChunk(ctx context.Context, attemptID string) (record.Chunk, error) {
	return m.ingester.Abandon(ctx, attemptID)
}

// GetChunk returns one attempt record.
func (m *Manager) GetChunk(ctx context.Context, attemptID string) (record.Chunk, error) {
	return m.store.ReadChunk(ctx, attemptID)
}

// WaitChunk blocks until the attempt is terminal or ctx ends.
func (m *Manager) WaitChunk(ctx context.Context, attemptID string) (record.Chunk, error) {
	return m.ingester.Wait(ctx, attemptID)
}

// Chunks returns a session's raw chunk log.
func (m *Manager) Chunks(ctx context.Context, sessionID string) ([]record.Chunk, error) {
	if _, err := m.store.ReadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.store.ReadChunks(ctx, sessionID)
}

// Canonical returns the reconciled view of a session's chunk log.
func (m *Manager) Canonical(ctx context.Context, sessionID string) ([]record.Chunk, error) {
	log, err := m.Chunks(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return reconcile.Reconcile(log), nil
}

// ListSessions returns an owner's sessions, each with its raw chunk log.
// Callers apply reconcile.Reconcile for display.
func (m *Manager) ListSessions(ctx context.Context, owner string) ([]Log, error) {
	if err := validateOwner(owner); err != nil {
		return nil, err
	}
	sessions, err := m.store.ListSessionsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}

	logs := make([]Log, 0, len(sessions))
	for _, sess := range sessions {
		chunks, err := m.store.ReadChunks(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		logs = append(logs, Log{Session: sess, Chunks: chunks})
	}
	return logs, nil
}

// Recover resumes attempts a previous process left unfinished. Attempts
// whose content is stored get their ledger commit replayed; the rest lost
// their bytes and are marked unavailable so they can be resubmitted.
func (m *Manager) Recover(ctx context.Context) error {
	state, err := m.store.GetRecoveryState(ctx)
	if err != nil {
		return err
	}

	for _, c := range state.Resumable {
		sess, err := m.store.ReadSession(ctx, c.SessionID)
		if err != nil {
			return err
		}
		if err := m.ingester.Submit(ingest.Job{Chunk: c, Owner: sess.Owner}); err != nil {
			return err
		}
	}

	for _, c := range state.Lost {
		c.Status = record.ChunkUnavailable
		c.LastError = "interrupted before upload completed"
		if _, err := m.store.UpdateChunk(ctx, c); err != nil && !fault.Is(err, fault.KindInvalidState) {
			return err
		}
	}

	if len(state.Resumable)+len(state.Lost) > 0 {
		m.logger.Info("recovered unfinished chunks", "resumed", len(state.Resumable), "unavailable", len(state.Lost))
	}
	return nil
}

func (m *Manager) activeSession(ctx context.Context, op, id string) (record.Session, error) {
	sess, err := m.store.ReadSession(ctx, id)
	if err != nil {
		return record.Session{}, err
	}
	if sess.Status == record.SessionCompleted {
		return record.Session{}, fault.InvalidState(op, "session %s is completed", id)
	}
	return sess, nil
}

// counter returns the session's sequencer, restoring it from the store the
// first time a session is seen by this process.
func (m *Manager) counter(ctx context.Context, sessionID string) (*counter, error) {
	m.mu.Lock()
	ctr, ok := m.counters[sessionID]
	m.mu.Unlock()
	if ok {
		return ctr, nil
	}

	max, found, err := m.store.MaxSequence(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	start := int64(0)
	if found {
		start = max + 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ctr, ok := m.counters[sessionID]; ok {
		return ctr, nil
	}
	ctr = &counter{seq: NewSequencerAt(start)}
	m.counters[sessionID] = ctr
	return ctr, nil
}

func (m *Manager) timestamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return m.now().UTC()
	}
	return ts.UTC()
}

func validateOwner(owner string) error {
	if strings.TrimSpace(owner) == "" {
		return fault.InvalidInput("session.owner", "owner is required")
	}
	if len(owner) > maxOwnerLen {
		return fault.InvalidInput("session.owner", "owner exceeds %d bytes", maxOwnerLen)
	}
	if strings.IndexFunc(owner, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return fault.InvalidInput("session.owner", "owner %q contains whitespace or control characters", owner)
	}
	return nil
}
