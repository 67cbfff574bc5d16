package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/chunkledger/internal/fault"
	"github.com/roach88/chunkledger/internal/record"
)

// CreateSession inserts a new active session. CreatedAt is stamped by the
// store; the stored session is returned.
func (s *Store) CreateSession(ctx context.Context, sess record.Session) (record.Session, error) {
	now := s.timestamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, owner, status, created_at)
		VALUES (?, ?, ?, ?)
	`,
		sess.ID,
		sess.Owner,
		string(record.SessionActive),
		now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return record.Session{}, fault.InvalidState("store.create_session", "session %s already exists", sess.ID)
		}
		return record.Session{}, fmt.Errorf("create session: %w", err)
	}
	return s.ReadSession(ctx, sess.ID)
}

// CompleteSession transitions an active session to completed. Completing an
// already completed session changes nothing and reports changed=false.
func (s *Store) CompleteSession(ctx context.Context, id string) (sess record.Session, changed bool, err error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, ended_at = ?
		WHERE id = ? AND status = ?
	`,
		string(record.SessionCompleted),
		s.timestamp(),
		id,
		string(record.SessionActive),
	)
	if err != nil {
		return record.Session{}, false, fmt.Errorf("complete session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return record.Session{}, false, fmt.Errorf("complete session: rows affected: %w", err)
	}

	sess, err = s.ReadSession(ctx, id)
	if err != nil {
		return record.Session{}, false, err
	}
	return sess, n > 0, nil
}

// AppendChunk inserts a new attempt record. The insert only happens while
// the owning session is active: an unknown session is NotFound, a completed
// one is InvalidState, and in both cases no row is written.
//
// A first attempt (Supersedes empty) must not reuse a sequence number, and
// an attempt can be superseded only once.
func (s *Store) AppendChunk(ctx context.Context, c record.Chunk) (record.Chunk, error) {
	c.ClientTimestamp = c.ClientTimestamp.UTC()
	c.CreatedAt = s.now().UTC()
	c.UpdatedAt = c.CreatedAt
	if c.Status == "" {
		c.Status = record.ChunkPending
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO chunks
		(attempt_id, session_id, sequence_number, client_timestamp, client_hint,
		 content_id, metadata_id, transaction_hash, status, last_error,
		 attempt_count, supersedes, size, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM sessions WHERE id = ? AND status = ?)
	`,
		c.AttemptID,
		c.SessionID,
		c.SequenceNumber,
		formatTime(c.ClientTimestamp),
		nullInt64(c.ClientHint),
		nullString(c.ContentID),
		nullString(c.MetadataID),
		nullString(c.TransactionHash),
		string(c.Status),
		nullString(c.LastError),
		c.AttemptCount,
		nullString(c.Supersedes),
		c.Size,
		formatTime(c.CreatedAt),
		formatTime(c.UpdatedAt),
		c.SessionID,
		string(record.SessionActive),
	)
	if err != nil {
		if isUniqueViolation(err) && c.Supersedes != "" {
			return record.Chunk{}, fault.InvalidState("store.append_chunk",
				"attempt %s was already resubmitted", c.Supersedes)
		}
		if isUniqueViolation(err) {
			return record.Chunk{}, fault.InvalidState("store.append_chunk",
				"sequence number %d already assigned in session %s", c.SequenceNumber, c.SessionID)
		}
		return record.Chunk{}, fmt.Errorf("append chunk: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return record.Chunk{}, fmt.Errorf("append chunk: rows affected: %w", err)
	}
	if n == 0 {
		sess, err := s.ReadSession(ctx, c.SessionID)
		if err != nil {
			return record.Chunk{}, err
		}
		return record.Chunk{}, fault.InvalidState("store.append_chunk", "session %s is %s", sess.ID, sess.Status)
	}

	return c, nil
}

// UpdateChunk writes the pipeline-owned columns of an attempt. Terminal
// attempts are frozen: updating one is InvalidState.
func (s *Store) UpdateChunk(ctx context.Context, c record.Chunk) (record.Chunk, error) {
	c.UpdatedAt = s.now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE chunks
		SET content_id = ?, metadata_id = ?, transaction_hash = ?, status = ?,
		    last_error = ?, attempt_count = ?, size = ?, updated_at = ?
		WHERE attempt_id = ? AND status NOT IN (?, ?, ?)
	`,
		nullString(c.ContentID),
		nullString(c.MetadataID),
		nullString(c.TransactionHash),
		string(c.Status),
		nullString(c.LastError),
		c.AttemptCount,
		c.Size,
		formatTime(c.UpdatedAt),
		c.AttemptID,
		string(record.ChunkReady),
		string(record.ChunkError),
		string(record.ChunkUnavailable),
	)
	if err != nil {
		return record.Chunk{}, fmt.Errorf("update chunk: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return record.Chunk{}, fmt.Errorf("update chunk: rows affected: %w", err)
	}
	if n == 0 {
		existing, err := s.ReadChunk(ctx, c.AttemptID)
		if err != nil {
			return record.Chunk{}, err
		}
		return existing, fault.InvalidState("store.update_chunk", "attempt %s is already %s", existing.AttemptID, existing.Status)
	}

	return s.ReadChunk(ctx, c.AttemptID)
}

// WriteMediaRecord inserts a media record. Uses ON CONFLICT DO NOTHING for
// idempotency: a record for the same content id is never replaced. Returns
// the stored record and whether this call inserted it.
func (s *Store) WriteMediaRecord(ctx context.Context, m record.MediaRecord) (record.MediaRecord, bool, error) {
	if m.MintedAt.IsZero() {
		m.MintedAt = s.now()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO media_records
		(token_id, content_id, metadata_id, owner, session_id, sequence_number, transaction_hash, minted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		m.TokenID,
		m.ContentID,
		nullString(m.MetadataID),
		m.Owner,
		m.SessionID,
		m.SequenceNumber,
		m.TransactionHash,
		formatTime(m.MintedAt),
	)
	if err != nil {
		return record.MediaRecord{}, false, fmt.Errorf("write media record: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return record.MediaRecord{}, false, fmt.Errorf("write media record: rows affected: %w", err)
	}

	stored, err := s.ReadMediaRecord(ctx, m.ContentID)
	if err != nil {
		return record.MediaRecord{}, false, err
	}
	return stored, n > 0, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
