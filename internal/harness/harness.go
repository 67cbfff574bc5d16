package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/chunkledger/internal/fault"
	"github.com/roach88/chunkledger/internal/ingest"
	"github.com/roach88/chunkledger/internal/reconcile"
	"github.com/roach88/chunkledger/internal/record"
	"github.com/roach88/chunkledger/internal/retry"
	"github.com/roach88/chunkledger/internal/session"
	"github.com/roach88/chunkledger/internal/store"
	"github.com/roach88/chunkledger/internal/testutil"
	"github.com/roach88/chunkledger/internal/verify"
)

// BaseTime is the client timestamp that step offsets are added to.
var BaseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// StepTimeout bounds how long a step waits for its attempt to settle.
const StepTimeout = 10 * time.Second

// fastPolicy keeps injected failures cheap: three attempts a few
// milliseconds apart.
var fastPolicy = retry.Policy{
	Attempts:    3,
	BaseDelay:   time.Millisecond,
	MaxDelay:    4 * time.Millisecond,
	CallTimeout: time.Second,
}

// Harness wires the real store, pipeline and session manager around
// fault-injecting fakes.
type Harness struct {
	store    *store.Store
	content  *testutil.FlakyStore
	ledger   *testutil.FakeLedger
	pipeline *ingest.Pipeline
	manager  *session.Manager
	verifier *verify.Service
	logger   *slog.Logger
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger routes pipeline and manager logs to l. The default discards them.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// New creates a harness backed by an in-memory database.
func New(opts ...Option) (*Harness, error) {
	h := &Harness{
		content: testutil.NewFlakyStore(nil),
		ledger:  testutil.NewFakeLedger(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}

	s, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	h.store = s

	h.pipeline = ingest.New(s, h.content, h.ledger,
		ingest.Config{Upload: fastPolicy, Commit: fastPolicy},
		ingest.WithLogger(h.logger))
	clock := testutil.NewClock(BaseTime.Add(time.Hour), time.Second)
	h.manager = session.NewManager(s, h.pipeline, h.content,
		session.WithIDGenerator(testutil.NewSequentialIDs("id")),
		session.WithNow(clock.Now),
		session.WithLogger(h.logger))
	h.verifier = verify.New(h.content, h.ledger,
		verify.Config{Store: retry.Policy{Attempts: 1, CallTimeout: time.Second}, LedgerTimeout: time.Second},
		verify.WithLogger(h.logger))
	return h, nil
}

// Close stops the pipeline and closes the database.
func (h *Harness) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), StepTimeout)
	defer cancel()
	if err := h.pipeline.Shutdown(ctx); err != nil {
		h.store.Close()
		return err
	}
	return h.store.Close()
}

// Run executes s in a fresh harness.
func Run(ctx context.Context, s *Scenario, opts ...Option) (*Result, error) {
	h, err := New(opts...)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	return h.Run(ctx, s)
}

// Run executes every step of s, then evaluates its assertions. The
// returned error is reserved for harness failures; unmet expectations are
// reported in Result.Errors.
func (h *Harness) Run(ctx context.Context, s *Scenario) (*Result, error) {
	result := NewResult()

	sess, err := h.manager.CreateSession(ctx, s.Owner)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	for i, step := range s.Steps {
		ev, err := h.step(ctx, sess.ID, i, step, result)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Action, err)
		}
		checkExpect(result, step, ev)
		result.Trace = append(result.Trace, ev)
	}

	if result.Session, err = h.manager.GetSession(ctx, sess.ID); err != nil {
		return nil, err
	}
	if result.Log, err = h.manager.Chunks(ctx, sess.ID); err != nil {
		return nil, err
	}
	result.Canonical = reconcile.Reconcile(result.Log)
	result.Gaps = reconcile.Gaps(result.Canonical)
	if result.Gaps == nil {
		result.Gaps = []int64{}
	}

	for i, a := range s.Assertions {
		if err := h.evaluate(ctx, a, result); err != nil {
			result.AddError("assertion %d (%s): %v", i, a.Type, err)
		}
	}
	return result, nil
}

// step performs one action. Rejections by the manager are part of the
// trace; only harness breakage is returned as an error.
func (h *Harness) step(ctx context.Context, sessionID string, i int, st Step, result *Result) (TraceEvent, error) {
	ev := TraceEvent{Step: i, Action: st.Action}

	var (
		c   record.Chunk
		err error
	)
	switch st.Action {
	case ActionAppend:
		result.remember(st.Data)
		c, err = h.manager.AppendChunk(ctx, session.AppendRequest{
			SessionID:       sessionID,
			Data:            []byte(st.Data),
			ClientTimestamp: BaseTime.Add(st.offset),
			ClientHint:      st.Hint,
		})
	case ActionResubmit:
		var data []byte
		if st.Data != "" {
			result.remember(st.Data)
			data = []byte(st.Data)
		}
		c, err = h.manager.ResubmitChunk(ctx, session.ResubmitRequest{
			SessionID:       sessionID,
			SequenceNumber:  *st.Seq,
			Data:            data,
			ClientTimestamp: BaseTime.Add(st.offset),
		})
	case ActionEnd:
		var sess record.Session
		sess, err = h.manager.EndSession(ctx, sessionID)
		if err == nil {
			ev.Status = string(sess.Status)
		}
	case ActionFailPuts:
		h.content.FailPuts(st.Count)
	case ActionFailCommits:
		h.ledger.FailCommits(st.Count)
	case ActionBreakLedger:
		h.ledger.FailCommitsWith(fault.Permanent("ledger.commit", 1, testutil.ErrInjected))
	case ActionHeal:
		h.ledger.FailCommitsWith(nil)
		h.ledger.FailCommits(0)
	}

	if err != nil {
		if fault.KindOf(err) == fault.KindUnknown {
			return ev, err
		}
		ev.Error = string(fault.KindOf(err))
		return ev, nil
	}
	if c.AttemptID == "" {
		return ev, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, StepTimeout)
	defer cancel()
	id := c.AttemptID
	c, err = h.manager.WaitChunk(waitCtx, id)
	if err != nil {
		return ev, fmt.Errorf("wait for %s: %w", id, err)
	}
	seq := c.SequenceNumber
	ev.Seq = &seq
	ev.AttemptID = c.AttemptID
	ev.Status = string(c.Status)
	return ev, nil
}

func checkExpect(result *Result, st Step, ev TraceEvent) {
	if ev.Error != "" && (st.Expect == nil || st.Expect.Error == "") {
		result.AddError("step %d (%s): unexpected %s rejection", ev.Step, st.Action, ev.Error)
		return
	}
	if st.Expect == nil {
		return
	}
	if st.Expect.Error != "" && st.Expect.Error != ev.Error {
		result.AddError("step %d (%s): expected %s rejection, got %q", ev.Step, st.Action, st.Expect.Error, ev.Error)
	}
	if st.Expect.Status != "" && st.Expect.Status != ev.Status {
		result.AddError("step %d (%s): expected status %s, got %s", ev.Step, st.Action, st.Expect.Status, ev.Status)
	}
}
