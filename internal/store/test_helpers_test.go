package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/chunkledger/internal/record"
)

// createTestStore creates a new store in a temp dir with a deterministic
// clock that advances one millisecond per call.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithNow(func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestSession inserts an active session.
func createTestSession(t *testing.T, s *Store, id, owner string) record.Session {
	t.Helper()
	sess, err := s.CreateSession(context.Background(), record.Session{ID: id, Owner: owner})
	if err != nil {
		t.Fatalf("CreateSession(%s) failed: %v", id, err)
	}
	return sess
}

// createTestChunk builds a first attempt with minimal required fields.
func createTestChunk(attemptID, sessionID string, seq int64, ts time.Time) record.Chunk {
	return record.Chunk{
		AttemptID:       attemptID,
		SessionID:       sessionID,
		SequenceNumber:  seq,
		ClientTimestamp: ts,
		Status:          record.ChunkPending,
	}
}
