// Package reconcile turns a session's raw chunk log, retries and duplicate
// submissions included, into the canonical ordered list of chunks.
//
// Reconcile is pure: no I/O, no locks, no dependence on input order. It is
// safe to run on every read.
package reconcile

import (
	"cmp"
	"slices"

	"github.com/roach88/chunkledger/internal/record"
)

// Reconcile picks one winner per sequence number and returns the winners in
// ascending sequence order. The input is not modified.
//
// Within a sequence number the record with the latest client timestamp
// wins. Equal timestamps fall back to the lexicographically smallest
// content id, with a missing content id ranked after any present one, and
// finally to the smallest attempt id.
func Reconcile(log []record.Chunk) []record.Chunk {
	winners := make(map[int64]record.Chunk, len(log))
	for _, c := range log {
		cur, ok := winners[c.SequenceNumber]
		if !ok || Beats(c, cur) {
			winners[c.SequenceNumber] = c
		}
	}

	out := make([]record.Chunk, 0, len(winners))
	for _, c := range winners {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b record.Chunk) int {
		return cmp.Compare(a.SequenceNumber, b.SequenceNumber)
	})
	return out
}

// Beats reports whether a wins over b for the same sequence number.
func Beats(a, b record.Chunk) bool {
	if c := a.ClientTimestamp.Compare(b.ClientTimestamp); c != 0 {
		return c > 0
	}
	if c := compareContentID(a.ContentID, b.ContentID); c != 0 {
		return c < 0
	}
	return a.AttemptID < b.AttemptID
}

func compareContentID(a, b string) int {
	switch {
	case a == b:
		return 0
	case a == "":
		return 1
	case b == "":
		return -1
	}
	return cmp.Compare(a, b)
}

// Gaps lists the sequence numbers missing from a canonical list below its
// highest sequence number.
func Gaps(canonical []record.Chunk) []int64 {
	if len(canonical) == 0 {
		return nil
	}
	present := make(map[int64]bool, len(canonical))
	var max int64
	for _, c := range canonical {
		present[c.SequenceNumber] = true
		if c.SequenceNumber > max {
			max = c.SequenceNumber
		}
	}

	var gaps []int64
	for seq := int64(0); seq < max; seq++ {
		if !present[seq] {
			gaps = append(gaps, seq)
		}
	}
	return gaps
}
