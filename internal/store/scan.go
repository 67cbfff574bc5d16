package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/chunkledger/internal/record"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (record.Session, error) {
	var (
		sess      record.Session
		status    string
		createdAt string
		endedAt   sql.NullString
	)
	if err := row.Scan(&sess.ID, &sess.Owner, &status, &createdAt, &endedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return record.Session{}, err
		}
		return record.Session{}, fmt.Errorf("scan session: %w", err)
	}

	var err error
	if sess.Status, err = record.ParseSessionStatus(status); err != nil {
		return record.Session{}, fmt.Errorf("scan session %s: %w", sess.ID, err)
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return record.Session{}, fmt.Errorf("scan session %s: %w", sess.ID, err)
	}
	if endedAt.Valid {
		t, err := parseTime(endedAt.String)
		if err != nil {
			return record.Session{}, fmt.Errorf("scan session %s: %w", sess.ID, err)
		}
		sess.EndedAt = &t
	}
	return sess, nil
}

func scanChunk(row rowScanner) (record.Chunk, error) {
	var (
		c               record.Chunk
		clientTimestamp string
		clientHint      sql.NullInt64
		contentID       sql.NullString
		metadataID      sql.NullString
		txHash          sql.NullString
		status          string
		lastError       sql.NullString
		supersedes      sql.NullString
		createdAt       string
		updatedAt       string
	)
	err := row.Scan(
		&c.AttemptID,
		&c.SessionID,
		&c.SequenceNumber,
		&clientTimestamp,
		&clientHint,
		&contentID,
		&metadataID,
		&txHash,
		&status,
		&lastError,
		&c.AttemptCount,
		&supersedes,
		&c.Size,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return record.Chunk{}, err
		}
		return record.Chunk{}, fmt.Errorf("scan chunk: %w", err)
	}

	if clientHint.Valid {
		hint := clientHint.Int64
		c.ClientHint = &hint
	}
	c.ContentID = contentID.String
	c.MetadataID = metadataID.String
	c.TransactionHash = txHash.String
	c.LastError = lastError.String
	c.Supersedes = supersedes.String

	if c.Status, err = record.ParseChunkStatus(status); err != nil {
		return record.Chunk{}, fmt.Errorf("scan chunk %s: %w", c.AttemptID, err)
	}
	if c.ClientTimestamp, err = parseTime(clientTimestamp); err != nil {
		return record.Chunk{}, fmt.Errorf("scan chunk %s: %w", c.AttemptID, err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return record.Chunk{}, fmt.Errorf("scan chunk %s: %w", c.AttemptID, err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return record.Chunk{}, fmt.Errorf("scan chunk %s: %w", c.AttemptID, err)
	}
	return c, nil
}

func scanMediaRecord(row rowScanner) (record.MediaRecord, error) {
	var (
		m          record.MediaRecord
		metadataID sql.NullString
		mintedAt   string
	)
	err := row.Scan(&m.TokenID, &m.ContentID, &metadataID, &m.Owner, &m.SessionID, &m.SequenceNumber, &m.TransactionHash, &mintedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return record.MediaRecord{}, err
		}
		return record.MediaRecord{}, fmt.Errorf("scan media record: %w", err)
	}
	m.MetadataID = metadataID.String
	if m.MintedAt, err = parseTime(mintedAt); err != nil {
		return record.MediaRecord{}, fmt.Errorf("scan media record %s: %w", m.ContentID, err)
	}
	return m, nil
}
