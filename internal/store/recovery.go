package store

import (
	"context"
	"fmt"

	"github.com/roach88/chunkledger/internal/record"
)

// RecoveryState classifies attempts a previous process left unfinished.
type RecoveryState struct {
	// Resumable attempts already have their content stored and only need
	// the ledger commit replayed.
	Resumable []record.Chunk

	// Lost attempts never finished uploading; their bytes only existed in
	// the crashed process.
	Lost []record.Chunk
}

// NonTerminalChunks returns every attempt still in flight, across sessions,
// in deterministic order.
func (s *Store) NonTerminalChunks(ctx context.Context) ([]record.Chunk, error) {
	chunks, err := s.queryChunks(ctx, `
		SELECT `+chunkColumns+`
		FROM chunks
		WHERE status NOT IN (?, ?, ?)
		ORDER BY session_id COLLATE BINARY ASC, sequence_number ASC, created_at ASC, attempt_id COLLATE BINARY ASC
	`,
		string(record.ChunkReady),
		string(record.ChunkError),
		string(record.ChunkUnavailable),
	)
	if err != nil {
		return nil, fmt.Errorf("non-terminal chunks: %w", err)
	}
	return chunks, nil
}

// GetRecoveryState splits non-terminal attempts into resumable and lost.
func (s *Store) GetRecoveryState(ctx context.Context) (RecoveryState, error) {
	chunks, err := s.NonTerminalChunks(ctx)
	if err != nil {
		return RecoveryState{}, err
	}

	var state RecoveryState
	for _, c := range chunks {
		if c.Status == record.ChunkPendingLedgerCommit && c.ContentID != "" {
			state.Resumable = append(state.Resumable, c)
			continue
		}
		state.Lost = append(state.Lost, c)
	}
	return state, nil
}
