package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/chunkledger/internal/record"
)

// Snapshot renders the deterministic parts of a result: the step trace,
// the canonical log and its gaps. Timestamps and hashes are left out.
func Snapshot(name string, r *Result) ([]byte, error) {
	trace := make([]any, len(r.Trace))
	for i, ev := range r.Trace {
		m := map[string]any{"step": ev.Step, "action": ev.Action}
		if ev.Seq != nil {
			m["seq"] = *ev.Seq
		}
		if ev.AttemptID != "" {
			m["attempt_id"] = ev.AttemptID
		}
		if ev.Status != "" {
			m["status"] = ev.Status
		}
		if ev.Error != "" {
			m["error"] = ev.Error
		}
		trace[i] = m
	}

	canonical := make([]any, len(r.Canonical))
	for i, c := range r.Canonical {
		m := map[string]any{
			"seq":        c.SequenceNumber,
			"attempt_id": c.AttemptID,
			"status":     string(c.Status),
		}
		if c.Supersedes != "" {
			m["supersedes"] = c.Supersedes
		}
		if data := r.Payload(c.ContentID); data != "" {
			m["data"] = data
		}
		canonical[i] = m
	}

	gaps := make([]any, len(r.Gaps))
	for i, g := range r.Gaps {
		gaps[i] = g
	}

	return record.MarshalCanonical(map[string]any{
		"scenario":  name,
		"session":   string(r.Session.Status),
		"attempts":  len(r.Log),
		"trace":     trace,
		"canonical": canonical,
		"gaps":      gaps,
	})
}

// RunWithGolden runs scenario and compares its snapshot with
// testdata/golden/{scenario.Name}.golden. Regenerate with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := Snapshot(name, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
