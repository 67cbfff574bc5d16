package store

import (
	"context"
	"testing"

	"github.com/roach88/chunkledger/internal/record"
)

func TestGetRecoveryState(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	createTestSession(t, s, "S1", "0xABC")

	// a: lost before upload; b: uploaded, commit pending; c: finished.
	for i, id := range []string{"a", "b", "c"} {
		if _, err := s.AppendChunk(ctx, createTestChunk(id, "S1", int64(i), t0)); err != nil {
			t.Fatal(err)
		}
	}
	b, _ := s.ReadChunk(ctx, "b")
	b.Status = record.ChunkPendingLedgerCommit
	b.ContentID = record.ContentID([]byte("b"))
	if _, err := s.UpdateChunk(ctx, b); err != nil {
		t.Fatal(err)
	}
	c, _ := s.ReadChunk(ctx, "c")
	c.Status = record.ChunkReady
	if _, err := s.UpdateChunk(ctx, c); err != nil {
		t.Fatal(err)
	}

	state, err := s.GetRecoveryState(ctx)
	if err != nil {
		t.Fatalf("GetRecoveryState() failed: %v", err)
	}
	if len(state.Resumable) != 1 || state.Resumable[0].AttemptID != "b" {
		t.Errorf("resumable = %+v", state.Resumable)
	}
	if len(state.Lost) != 1 || state.Lost[0].AttemptID != "a" {
		t.Errorf("lost = %+v", state.Lost)
	}
}
