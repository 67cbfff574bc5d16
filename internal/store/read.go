package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/chunkledger/internal/fault"
	"github.com/roach88/chunkledger/internal/record"
)

const chunkColumns = `
	attempt_id, session_id, sequence_number, client_timestamp, client_hint,
	content_id, metadata_id, transaction_hash, status, last_error,
	attempt_count, supersedes, size, created_at, updated_at
`

// chunkOrder is the deterministic ordering for every chunk log read.
const chunkOrder = `ORDER BY sequence_number ASC, created_at ASC, attempt_id COLLATE BINARY ASC`

// ReadSession retrieves a session by ID. Returns a NotFound fault if absent.
func (s *Store) ReadSession(ctx context.Context, id string) (record.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, status, created_at, ended_at
		FROM sessions
		WHERE id = ?
	`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Session{}, fault.NotFound("store.read_session", "session %s not found", id)
	}
	return sess, err
}

// ListSessionsByOwner returns an owner's sessions, oldest first.
// Returns an empty slice (not nil) if the owner has none.
func (s *Store) ListSessionsByOwner(ctx context.Context, owner string) ([]record.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, status, created_at, ended_at
		FROM sessions
		WHERE owner = ?
		ORDER BY created_at ASC, id COLLATE BINARY ASC
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []record.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// ReadChunk retrieves a single attempt by ID.
func (s *Store) ReadChunk(ctx context.Context, attemptID string) (record.Chunk, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE attempt_id = ?`, attemptID)

	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Chunk{}, fault.NotFound("store.read_chunk", "chunk attempt %s not found", attemptID)
	}
	return c, err
}

// ReadChunks returns the full raw attempt log for a session, duplicates and
// superseded attempts included.
func (s *Store) ReadChunks(ctx context.Context, sessionID string) ([]record.Chunk, error) {
	return s.queryChunks(ctx, `
		SELECT `+chunkColumns+`
		FROM chunks
		WHERE session_id = ?
		`+chunkOrder, sessionID)
}

// LatestAttempt returns the most recent attempt for a sequence number.
func (s *Store) LatestAttempt(ctx context.Context, sessionID string, seq int64) (record.Chunk, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+chunkColumns+`
		FROM chunks
		WHERE session_id = ? AND sequence_number = ?
		ORDER BY created_at DESC, attempt_id COLLATE BINARY DESC
		LIMIT 1
	`, sessionID, seq)

	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Chunk{}, fault.NotFound("store.latest_attempt", "no chunk %d in session %s", seq, sessionID)
	}
	return c, err
}

// FindChunkByHint returns the most recent attempt submitted with the given
// client sequence hint.
func (s *Store) FindChunkByHint(ctx context.Context, sessionID string, hint int64) (record.Chunk, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+chunkColumns+`
		FROM chunks
		WHERE session_id = ? AND client_hint = ?
		ORDER BY created_at DESC, attempt_id COLLATE BINARY DESC
		LIMIT 1
	`, sessionID, hint)

	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Chunk{}, fault.NotFound("store.find_chunk_by_hint", "no chunk with hint %d in session %s", hint, sessionID)
	}
	return c, err
}

// MaxSequence returns the highest sequence number assigned in a session;
// ok is false when the session has no chunks.
func (s *Store) MaxSequence(ctx context.Context, sessionID string) (seq int64, ok bool, err error) {
	var max sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT MAX(sequence_number) FROM chunks WHERE session_id = ?
	`, sessionID).Scan(&max)
	if err != nil {
		return 0, false, fmt.Errorf("max sequence: %w", err)
	}
	return max.Int64, max.Valid, nil
}

// ReadMediaRecord retrieves the media record minted for a content id.
func (s *Store) ReadMediaRecord(ctx context.Context, contentID string) (record.MediaRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token_id, content_id, metadata_id, owner, session_id, sequence_number, transaction_hash, minted_at
		FROM media_records
		WHERE content_id = ?
	`, contentID)

	m, err := scanMediaRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.MediaRecord{}, fault.NotFound("store.read_media_record", "no media record for %s", contentID)
	}
	return m, err
}

// ListMediaRecordsByOwner returns an owner's media records in mint order.
func (s *Store) ListMediaRecordsByOwner(ctx context.Context, owner string) ([]record.MediaRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token_id, content_id, metadata_id, owner, session_id, sequence_number, transaction_hash, minted_at
		FROM media_records
		WHERE owner = ?
		ORDER BY token_id ASC
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("query media records: %w", err)
	}
	defer rows.Close()

	records := []record.MediaRecord{}
	for rows.Next() {
		m, err := scanMediaRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate media records: %w", err)
	}
	return records, nil
}

func (s *Store) queryChunks(ctx context.Context, query string, args ...any) ([]record.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	chunks := []record.Chunk{}
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return chunks, nil
}
