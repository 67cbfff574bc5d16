package session

import "sync/atomic"

// Sequencer hands out a session's authoritative sequence numbers.
//
// Each call to Next returns a unique value one greater than the previous,
// starting at the restore point. Safe for concurrent use: concurrent or
// retried appends can never observe the same number.
type Sequencer struct {
	next atomic.Int64
}

// NewSequencer creates a sequencer whose first number is 0.
func NewSequencer() *Sequencer {
	return &Sequencer{}
}

// NewSequencerAt creates a sequencer whose first number is start.
// Used after a restart to resume above the highest stored number.
func NewSequencerAt(start int64) *Sequencer {
	s := &Sequencer{}
	s.next.Store(start)
	return s
}

// Next returns the next sequence number.
func (s *Sequencer) Next() int64 {
	return s.next.Add(1) - 1
}
