package record

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a recording session.
// Completed is terminal.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// ParseSessionStatus converts a stored status string back to a SessionStatus.
func ParseSessionStatus(s string) (SessionStatus, error) {
	switch SessionStatus(s) {
	case SessionActive, SessionCompleted:
		return SessionStatus(s), nil
	default:
		return "", fmt.Errorf("unknown session status %q", s)
	}
}

// Session is a bounded recording activity owned by a single party.
type Session struct {
	ID        string        `json:"id"`
	Owner     string        `json:"owner"`
	CreatedAt time.Time     `json:"created_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Status    SessionStatus `json:"status"`
}

// ChunkStatus tracks one chunk attempt through the ingest pipeline.
//
//	pending -> uploading -> pending_ledger_commit -> ready
//	                 \                \
//	                  +-> error        +-> error
//
// unavailable marks an attempt whose bytes can no longer be produced, such
// as one interrupted by a restart before its upload finished.
type ChunkStatus string

const (
	ChunkPending             ChunkStatus = "pending"
	ChunkUploading           ChunkStatus = "uploading"
	ChunkPendingLedgerCommit ChunkStatus = "pending_ledger_commit"
	ChunkReady               ChunkStatus = "ready"
	ChunkUnavailable         ChunkStatus = "unavailable"
	ChunkError               ChunkStatus = "error"
)

// ParseChunkStatus converts a stored status string back to a ChunkStatus.
func ParseChunkStatus(s string) (ChunkStatus, error) {
	switch ChunkStatus(s) {
	case ChunkPending, ChunkUploading, ChunkPendingLedgerCommit,
		ChunkReady, ChunkUnavailable, ChunkError:
		return ChunkStatus(s), nil
	default:
		return "", fmt.Errorf("unknown chunk status %q", s)
	}
}

// IsTerminal reports whether no further pipeline work will happen for the attempt.
func (s ChunkStatus) IsTerminal() bool {
	switch s {
	case ChunkReady, ChunkError, ChunkUnavailable:
		return true
	}
	return false
}

// Chunk is one attempt record in a session's append-only chunk log.
//
// The same SequenceNumber appears once per attempt: a resubmission appends a new
// record (Supersedes points at the previous attempt) and the old one is kept.
// Empty ContentID, MetadataID, TransactionHash and LastError mean null.
type Chunk struct {
	AttemptID       string      `json:"attempt_id"`
	SessionID       string      `json:"session_id"`
	SequenceNumber  int64       `json:"sequence_number"`
	ClientTimestamp time.Time   `json:"client_timestamp"`
	ClientHint      *int64      `json:"client_hint,omitempty"`
	ContentID       string      `json:"content_id,omitempty"`
	MetadataID      string      `json:"metadata_id,omitempty"`
	TransactionHash string      `json:"transaction_hash,omitempty"`
	Status          ChunkStatus `json:"status"`
	LastError       string      `json:"last_error,omitempty"`
	AttemptCount    int         `json:"attempt_count"`
	Supersedes      string      `json:"supersedes,omitempty"`
	Size            int64       `json:"size"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// MediaRecord is the finalized artifact minted once a chunk is both stored
// and committed to the ledger. Immutable after creation.
type MediaRecord struct {
	TokenID         int64     `json:"token_id"`
	ContentID       string    `json:"content_id"`
	MetadataID      string    `json:"metadata_id,omitempty"`
	Owner           string    `json:"owner"`
	SessionID       string    `json:"session_id"`
	SequenceNumber  int64     `json:"sequence_number"`
	TransactionHash string    `json:"transaction_hash"`
	MintedAt        time.Time `json:"minted_at"`
}
