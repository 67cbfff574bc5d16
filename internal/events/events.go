// Package events publishes chunk status transitions so clients can
// subscribe to terminal status instead of polling.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/roach88/chunkledger/internal/record"
)

// ChunkEvent is emitted on every status transition of a chunk attempt.
type ChunkEvent struct {
	SessionID       string             `json:"session_id"`
	AttemptID       string             `json:"attempt_id"`
	SequenceNumber  int64              `json:"sequence_number"`
	Status          record.ChunkStatus `json:"status"`
	ContentID       string             `json:"content_id,omitempty"`
	TransactionHash string             `json:"transaction_hash,omitempty"`
	LastError       string             `json:"last_error,omitempty"`
	At              time.Time          `json:"at"`
}

// FromChunk builds the event for c's current status.
func FromChunk(c record.Chunk) ChunkEvent {
	return ChunkEvent{
		SessionID:       c.SessionID,
		AttemptID:       c.AttemptID,
		SequenceNumber:  c.SequenceNumber,
		Status:          c.Status,
		ContentID:       c.ContentID,
		TransactionHash: c.TransactionHash,
		LastError:       c.LastError,
		At:              c.UpdatedAt,
	}
}

// Terminal reports whether the event ends its attempt's pipeline.
func (e ChunkEvent) Terminal() bool {
	return e.Status.IsTerminal()
}

// JSON encodes the event for the wire.
func (e ChunkEvent) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers chunk events. Publish must not block on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, e ChunkEvent) error
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, ChunkEvent) error { return nil }

// Multi fans an event out to several publishers. Every publisher is tried;
// failures are joined.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, e ChunkEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
