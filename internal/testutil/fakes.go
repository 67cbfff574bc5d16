package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/roach88/chunkledger/internal/contentstore"
	"github.com/roach88/chunkledger/internal/fault"
	"github.com/roach88/chunkledger/internal/ledger"
	"github.com/roach88/chunkledger/internal/record"
)

// ErrInjected is the cause attached to injected failures.
var ErrInjected = errors.New("injected failure")

// FlakyStore wraps a content store and injects failures.
type FlakyStore struct {
	Inner contentstore.Store

	mu          sync.Mutex
	putFailures int
	existsErr   error
	existsDelay time.Duration
	putCalls    int
	existsCalls int
	blockPut    chan struct{}
}

// NewFlakyStore wraps inner (a fresh Memory store when nil).
func NewFlakyStore(inner contentstore.Store) *FlakyStore {
	if inner == nil {
		inner = contentstore.NewMemory()
	}
	return &FlakyStore{Inner: inner}
}

// FailPuts makes the next n Put calls fail with a transient error.
func (f *FlakyStore) FailPuts(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putFailures = n
}

// FailExists makes every Exists call return err (nil restores).
func (f *FlakyStore) FailExists(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.existsErr = err
}

// DelayExists makes every Exists call wait d or until ctx ends.
func (f *FlakyStore) DelayExists(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.existsDelay = d
}

// BlockPuts makes Put wait until the returned function is called or the
// caller's ctx ends.
func (f *FlakyStore) BlockPuts() (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.blockPut = ch
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.blockPut = nil
			f.mu.Unlock()
			close(ch)
		})
	}
}

// PutCalls returns how many times Put was called.
func (f *FlakyStore) PutCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.putCalls
}

// ExistsCalls returns how many times Exists was called.
func (f *FlakyStore) ExistsCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existsCalls
}

// Put implements contentstore.Store.
func (f *FlakyStore) Put(ctx context.Context, data []byte) (string, error) {
	f.mu.Lock()
	f.putCalls++
	block := f.blockPut
	fail := f.putFailures > 0
	if fail {
		f.putFailures--
	}
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if fail {
		return "", fault.Transient("flaky.put", ErrInjected)
	}
	return f.Inner.Put(ctx, data)
}

// Get implements contentstore.Store.
func (f *FlakyStore) Get(ctx context.Context, id string) ([]byte, error) {
	return f.Inner.Get(ctx, id)
}

// Exists implements contentstore.Store.
func (f *FlakyStore) Exists(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	f.existsCalls++
	err := f.existsErr
	delay := f.existsDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if err != nil {
		return false, err
	}
	return f.Inner.Exists(ctx, id)
}

// FakeLedger is an in-memory ledger.Ledger with failure injection.
type FakeLedger struct {
	mu             sync.Mutex
	entries        map[string]ledger.Ownership
	height         int64
	commitFailures int
	commitErr      error
	queryErr       error
	commitCalls    int
	now            func() time.Time
}

// NewFakeLedger creates an empty ledger.
func NewFakeLedger() *FakeLedger {
	return &FakeLedger{entries: make(map[string]ledger.Ownership), now: time.Now}
}

// FailCommits makes the next n commits fail with a transient error.
func (l *FakeLedger) FailCommits(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commitFailures = n
}

// FailCommitsWith makes every commit return err (nil restores).
func (l *FakeLedger) FailCommitsWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commitErr = err
}

// FailQueries makes every query return err (nil restores).
func (l *FakeLedger) FailQueries(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queryErr = err
}

// CommitCalls returns how many times Commit was called.
func (l *FakeLedger) CommitCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commitCalls
}

// Len returns the number of committed entries.
func (l *FakeLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Commit implements ledger.Ledger.
func (l *FakeLedger) Commit(ctx context.Context, e ledger.Entry) (ledger.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commitCalls++

	if err := ctx.Err(); err != nil {
		return ledger.Receipt{}, err
	}
	if l.commitErr != nil {
		return ledger.Receipt{}, l.commitErr
	}
	if l.commitFailures > 0 {
		l.commitFailures--
		return ledger.Receipt{}, fault.Transient("fake.commit", ErrInjected)
	}

	if o, ok := l.entries[e.ContentID]; ok {
		if o.Owner != e.Owner {
			return ledger.Receipt{}, fault.InvalidState("fake.commit", "content %s owned by %s", e.ContentID, o.Owner)
		}
		return ledger.Receipt{TxHash: o.TxHash, Height: o.Height, CommittedAt: o.CommittedAt}, nil
	}

	l.height++
	o := ledger.Ownership{
		ContentID:   e.ContentID,
		Owner:       e.Owner,
		TxHash:      "0x" + record.HashWithDomain(record.DomainLedgerEntry, []byte(e.ContentID+e.Owner)),
		Height:      l.height,
		Metadata:    e.Metadata,
		CommittedAt: l.now().UTC(),
	}
	l.entries[e.ContentID] = o
	return ledger.Receipt{TxHash: o.TxHash, Height: o.Height, CommittedAt: o.CommittedAt}, nil
}

// Query implements ledger.Ledger.
func (l *FakeLedger) Query(ctx context.Context, contentID string) (ledger.Ownership, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return ledger.Ownership{}, err
	}
	if l.queryErr != nil {
		return ledger.Ownership{}, l.queryErr
	}
	o, ok := l.entries[contentID]
	if !ok {
		return ledger.Ownership{}, fault.NotFound("fake.query", "no ledger record for %s", contentID)
	}
	return o, nil
}
