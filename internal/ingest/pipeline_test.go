package ingest

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chunkledger/internal/contentstore"
	"github.com/roach88/chunkledger/internal/events"
	"github.com/roach88/chunkledger/internal/fault"
	"github.com/roach88/chunkledger/internal/record"
	"github.com/roach88/chunkledger/internal/retry"
	"github.com/roach88/chunkledger/internal/store"
	"github.com/roach88/chunkledger/internal/testutil"
)

var fastPolicy = retry.Policy{
	Attempts:    4,
	BaseDelay:   time.Millisecond,
	MaxDelay:    4 * time.Millisecond,
	CallTimeout: time.Second,
}

type fixture struct {
	store   *store.Store
	content *testutil.FlakyStore
	ledger  *testutil.FakeLedger
	bus     *events.Broadcaster
	ids     *testutil.SequentialIDs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.CreateSession(context.Background(), record.Session{ID: "S1", Owner: "0xABC"})
	require.NoError(t, err)

	return &fixture{
		store:   s,
		content: testutil.NewFlakyStore(nil),
		ledger:  testutil.NewFakeLedger(),
		bus:     events.NewBroadcaster(),
		ids:     testutil.NewSequentialIDs("attempt"),
	}
}

func (f *fixture) pipeline(cfg Config) *Pipeline {
	if cfg.Upload.Attempts == 0 {
		cfg.Upload = fastPolicy
	}
	if cfg.Commit.Attempts == 0 {
		cfg.Commit = fastPolicy
	}
	return New(f.store, f.content, f.ledger, cfg, WithPublisher(f.bus))
}

func (f *fixture) job(t *testing.T, seq int64, data []byte) Job {
	t.Helper()
	c, err := f.store.AppendChunk(context.Background(), record.Chunk{
		AttemptID:       f.ids.Generate(),
		SessionID:       "S1",
		SequenceNumber:  seq,
		ClientTimestamp: time.Date(2024, 1, 1, 0, 0, int(seq), 0, time.UTC),
		Status:          record.ChunkPending,
	})
	require.NoError(t, err)
	return Job{Chunk: c, Owner: "0xABC", Data: data}
}

func TestProcess_Ready(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.bus.Subscribe("S1")
	defer sub.Close()
	p := f.pipeline(Config{})

	job := f.job(t, 0, []byte("frame-0"))
	c, err := p.Process(ctx, job)
	require.NoError(t, err)

	assert.Equal(t, record.ChunkReady, c.Status)
	assert.Equal(t, record.ContentID([]byte("frame-0")), c.ContentID)
	assert.NotEmpty(t, c.MetadataID)
	assert.Regexp(t, `^0x[0-9a-f]{64}$`, c.TransactionHash)
	assert.Equal(t, 2, c.AttemptCount)
	assert.Equal(t, int64(7), c.Size)
	assert.Empty(t, c.LastError)

	m, err := f.store.ReadMediaRecord(ctx, c.ContentID)
	require.NoError(t, err)
	assert.Equal(t, "0xABC", m.Owner)
	assert.Equal(t, c.TransactionHash, m.TransactionHash)

	meta, err := f.content.Get(ctx, c.MetadataID)
	require.NoError(t, err)
	assert.Contains(t, string(meta), `"session_id":"S1"`)

	var statuses []record.ChunkStatus
	for sub.Len() > 0 {
		e, _, err := sub.Next(ctx)
		require.NoError(t, err)
		statuses = append(statuses, e.Status)
	}
	assert.Equal(t, []record.ChunkStatus{
		record.ChunkUploading,
		record.ChunkPendingLedgerCommit,
		record.ChunkReady,
	}, statuses)
}

func TestProcess_UploadRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t)
	f.content.FailPuts(2)
	p := f.pipeline(Config{})

	c, err := p.Process(context.Background(), f.job(t, 0, []byte("frame")))
	require.NoError(t, err)
	assert.Equal(t, record.ChunkReady, c.Status)
	assert.Equal(t, 4, c.AttemptCount, "3 upload attempts + 1 commit")
}

func TestProcess_UploadExhaustedIsError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.content.FailPuts(100)
	p := f.pipeline(Config{})

	c, err := p.Process(ctx, f.job(t, 0, []byte("frame")))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindPermanent))

	assert.Equal(t, record.ChunkError, c.Status)
	assert.Contains(t, c.LastError, "gave up after 4 attempts")
	assert.Equal(t, 4, c.AttemptCount)
	assert.Empty(t, c.TransactionHash)
	assert.Zero(t, f.ledger.CommitCalls())

	_, err = f.store.ReadMediaRecord(ctx, record.ContentID([]byte("frame")))
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

func TestProcess_CommitExhaustedIsError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ledger.FailCommits(100)
	p := f.pipeline(Config{Commit: retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}})

	c, err := p.Process(ctx, f.job(t, 0, []byte("frame")))
	require.Error(t, err)

	assert.Equal(t, record.ChunkError, c.Status)
	assert.Empty(t, c.TransactionHash)
	assert.Equal(t, 3, f.ledger.CommitCalls())

	stored, err := f.content.Exists(ctx, c.ContentID)
	require.NoError(t, err)
	assert.True(t, stored, "upload result is kept")
}

func TestProcess_NonRetryableCommitFailsFast(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.ledger.Commit(ctx, ledgerEntry("frame", "0xOTHER"))
	require.NoError(t, err)
	p := f.pipeline(Config{})

	c, err := p.Process(ctx, f.job(t, 0, []byte("frame")))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindInvalidState))
	assert.Equal(t, record.ChunkError, c.Status)
	assert.Equal(t, 2, f.ledger.CommitCalls())
}

func TestSubmit_AbandonStopsRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	release := f.content.BlockPuts()
	defer release()
	p := f.pipeline(Config{})

	job := f.job(t, 0, []byte("frame"))
	require.NoError(t, p.Submit(job))
	require.Eventually(t, func() bool { return f.content.PutCalls() == 1 }, time.Second, time.Millisecond)

	c, err := p.Abandon(ctx, job.Chunk.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, record.ChunkError, c.Status)
	assert.Equal(t, ErrAbandoned.Error(), c.LastError)

	final, err := p.Wait(ctx, job.Chunk.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, record.ChunkError, final.Status)
	assert.Equal(t, 1, f.content.PutCalls(), "no retry after abandon")
	assert.False(t, p.Running(job.Chunk.AttemptID))

	_, err = p.Abandon(ctx, job.Chunk.AttemptID)
	assert.True(t, fault.Is(err, fault.KindInvalidState))
}

// gateStore blocks Put for one payload until released.
type gateStore struct {
	contentstore.Store
	slow []byte
	gate chan struct{}
}

func (g *gateStore) Put(ctx context.Context, data []byte) (string, error) {
	if bytes.Equal(data, g.slow) {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return g.Store.Put(ctx, data)
}

func TestSubmit_ChunksCompleteOutOfOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	gate := &gateStore{Store: contentstore.NewMemory(), slow: []byte("slow"), gate: make(chan struct{})}
	p := New(f.store, gate, f.ledger, Config{Upload: fastPolicy, Commit: fastPolicy})

	slow := f.job(t, 0, []byte("slow"))
	fast := f.job(t, 1, []byte("fast"))
	require.NoError(t, p.Submit(slow))
	require.NoError(t, p.Submit(fast))

	c, err := p.Wait(ctx, fast.Chunk.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, record.ChunkReady, c.Status)

	pending, err := f.store.ReadChunk(ctx, slow.Chunk.AttemptID)
	require.NoError(t, err)
	assert.False(t, pending.Status.IsTerminal())

	close(gate.gate)
	c, err = p.Wait(ctx, slow.Chunk.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, record.ChunkReady, c.Status)
}

func TestSubmit_MaxInFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	release := f.content.BlockPuts()
	p := f.pipeline(Config{MaxInFlight: 1})

	first := f.job(t, 0, []byte("a"))
	second := f.job(t, 1, []byte("b"))
	require.NoError(t, p.Submit(first))
	require.NoError(t, p.Submit(second))

	require.Eventually(t, func() bool { return f.content.PutCalls() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int64(1), p.Stats().InFlight)

	queued, err := f.store.ReadChunk(ctx, second.Chunk.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, record.ChunkPending, queued.Status)

	release()
	for _, j := range []Job{first, second} {
		c, err := p.Wait(ctx, j.Chunk.AttemptID)
		require.NoError(t, err)
		assert.Equal(t, record.ChunkReady, c.Status)
	}
}

func TestWait_TimesOutWithCurrentRecord(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(Config{})
	defer p.Shutdown(context.Background())
	release := f.content.BlockPuts()
	defer release()

	job := f.job(t, 0, []byte("frame"))
	require.NoError(t, p.Submit(job))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	c, err := p.Wait(ctx, job.Chunk.AttemptID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, job.Chunk.AttemptID, c.AttemptID)
	assert.False(t, c.Status.IsTerminal())
}

func TestProcess_ResumeCommitOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.pipeline(Config{})

	job := f.job(t, 0, []byte("frame"))
	id, err := f.content.Put(ctx, []byte("frame"))
	require.NoError(t, err)
	job.Chunk.ContentID = id
	job.Chunk.Status = record.ChunkPendingLedgerCommit
	job.Chunk, err = f.store.UpdateChunk(ctx, job.Chunk)
	require.NoError(t, err)
	job.Data = nil
	calls := f.content.PutCalls()

	c, err := p.Process(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, record.ChunkReady, c.Status)
	assert.Equal(t, calls, f.content.PutCalls(), "no re-upload")
}

func TestStatsAndShutdown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.pipeline(Config{})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		job := f.job(t, int64(i), []byte{byte(i)})
		require.NoError(t, p.Submit(job))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Wait(ctx, job.Chunk.AttemptID)
		}()
	}
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(shutdownCtx))

	stats := p.Stats()
	assert.Equal(t, int64(3), stats.Submitted)
	assert.Equal(t, int64(3), stats.Ready)
	assert.Zero(t, stats.Failed)
	assert.Zero(t, stats.InFlight)

	err := p.Submit(f.job(t, 3, []byte("late")))
	assert.True(t, fault.Is(err, fault.KindInvalidState))
}
