package harness

import (
	"context"
	"fmt"
	"slices"
)

func (h *Harness) evaluate(ctx context.Context, a Assertion, r *Result) error {
	switch a.Type {
	case AssertCanonical:
		return assertCanonical(a, r)
	case AssertGaps:
		return assertGaps(a, r)
	case AssertAttempts:
		return assertAttempts(a, r)
	case AssertSessionStatus:
		if string(r.Session.Status) != a.Status {
			return fmt.Errorf("expected session %s, got %s", a.Status, r.Session.Status)
		}
		return nil
	case AssertVerify:
		return h.assertVerify(ctx, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertCanonical(a Assertion, r *Result) error {
	if len(r.Canonical) != len(a.Chunks) {
		return fmt.Errorf("expected %d canonical chunks, got %d", len(a.Chunks), len(r.Canonical))
	}
	for i, want := range a.Chunks {
		got := r.Canonical[i]
		if got.SequenceNumber != want.Seq {
			return fmt.Errorf("chunk %d: expected seq %d, got %d", i, want.Seq, got.SequenceNumber)
		}
		if want.Status != "" && string(got.Status) != want.Status {
			return fmt.Errorf("seq %d: expected status %s, got %s", want.Seq, want.Status, got.Status)
		}
		if want.Data != "" && r.Payload(got.ContentID) != want.Data {
			return fmt.Errorf("seq %d: expected data %q, got %q", want.Seq, want.Data, r.Payload(got.ContentID))
		}
	}
	return nil
}

func assertGaps(a Assertion, r *Result) error {
	want := a.Gaps
	if want == nil {
		want = []int64{}
	}
	if !slices.Equal(r.Gaps, want) {
		return fmt.Errorf("expected gaps %v, got %v", want, r.Gaps)
	}
	return nil
}

func assertAttempts(a Assertion, r *Result) error {
	n := 0
	for _, c := range r.Log {
		if c.SequenceNumber == a.Seq {
			n++
		}
	}
	if n != a.Count {
		return fmt.Errorf("seq %d: expected %d attempts, got %d", a.Seq, a.Count, n)
	}
	return nil
}

func (h *Harness) assertVerify(ctx context.Context, a Assertion) error {
	report, err := h.verifier.VerifyByFile(ctx, []byte(a.Data))
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if a.InStore != "" && report.ExistsInStore.String() != a.InStore {
		return fmt.Errorf("expected in_store %s, got %s", a.InStore, report.ExistsInStore)
	}
	if a.OnLedger != nil && report.ExistsOnLedger != *a.OnLedger {
		return fmt.Errorf("expected on_ledger %t, got %t", *a.OnLedger, report.ExistsOnLedger)
	}
	if a.Verified != nil && report.Verified() != *a.Verified {
		return fmt.Errorf("expected verified %t, got %t", *a.Verified, report.Verified())
	}
	return nil
}
