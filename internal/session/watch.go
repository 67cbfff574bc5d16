package session

import (
	"context"
	"time"

	"github.com/roach88/chunkledger/internal/reconcile"
	"github.com/roach88/chunkledger/internal/record"
)

// DefaultPollInterval is the refresh period used by Watch when none is given.
const DefaultPollInterval = 2 * time.Second

// Snapshot is one poll of a session.
type Snapshot struct {
	Session   record.Session `json:"session"`
	Canonical []record.Chunk `json:"canonical"`

	// Settled is set on the final snapshot: the session is completed and
	// every canonical chunk is terminal.
	Settled bool  `json:"settled"`
	Err     error `json:"-"`
}

// Watch polls a session at a fixed interval and sends a snapshot per tick.
// The channel is closed after the settled snapshot, on ctx cancellation,
// or after a snapshot carrying a read error.
func (m *Manager) Watch(ctx context.Context, sessionID string, interval time.Duration) (<-chan Snapshot, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if _, err := m.store.ReadSession(ctx, sessionID); err != nil {
		return nil, err
	}

	out := make(chan Snapshot, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			snap := m.snapshot(ctx, sessionID)
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
			if snap.Settled || snap.Err != nil {
				return
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (m *Manager) snapshot(ctx context.Context, sessionID string) Snapshot {
	sess, err := m.store.ReadSession(ctx, sessionID)
	if err != nil {
		return Snapshot{Err: err}
	}
	log, err := m.store.ReadChunks(ctx, sessionID)
	if err != nil {
		return Snapshot{Session: sess, Err: err}
	}

	canonical := reconcile.Reconcile(log)
	settled := sess.Status == record.SessionCompleted
	for _, c := range log {
		if !c.Status.IsTerminal() {
			settled = false
			break
		}
	}
	return Snapshot{Session: sess, Canonical: canonical, Settled: settled}
}
