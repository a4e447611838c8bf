package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/rulegraph/internal/engine"
	"github.com/roach88/rulegraph/internal/ir"
)

// Firer is the part of *engine.Engine that Replay needs.
type Firer interface {
	Fire(ruleID, triggerID string, outputs map[string]ir.Value) (*engine.Firing, error)
}

// ReplayReport compares a recorded firing with its re-execution.
type ReplayReport struct {
	Original    FiringRecord        `json:"original"`
	Replayed    engine.FiringResult `json:"replayed"`
	Differences []string            `json:"differences"`
}

// Match reports whether the replay reproduced the recorded firing.
func (r ReplayReport) Match() bool {
	return len(r.Differences) == 0
}

// Replay re-fires the trigger outputs recorded for firingID through e and
// compares the new result with the recorded one. The rule must be
// installed in e; its current definition is used, so differences usually
// mean the rule or a handler changed.
func (s *Store) Replay(ctx context.Context, e Firer, firingID string) (ReplayReport, error) {
	orig, err := s.GetFiring(ctx, firingID)
	if err != nil {
		return ReplayReport{}, fmt.Errorf("replay %s: %w", firingID, err)
	}

	f, err := e.Fire(orig.RuleID, orig.TriggerID, orig.Trigger)
	if err != nil {
		return ReplayReport{}, fmt.Errorf("replay %s: %w", firingID, err)
	}
	res, err := f.Wait(ctx)
	if err != nil {
		return ReplayReport{}, fmt.Errorf("replay %s: %w", firingID, err)
	}

	diffs, err := compareFirings(orig, res)
	if err != nil {
		return ReplayReport{}, fmt.Errorf("replay %s: %w", firingID, err)
	}
	return ReplayReport{Original: orig, Replayed: res, Differences: diffs}, nil
}

// compareFirings lists observable differences between a recorded firing
// and a new result. Timing, IDs and seq are expected to differ.
func compareFirings(orig FiringRecord, res engine.FiringResult) ([]string, error) {
	diffs := []string{}
	if orig.GraphHash != res.GraphHash {
		diffs = append(diffs, fmt.Sprintf("graph: %s -> %s", short(orig.GraphHash), short(res.GraphHash)))
	}
	if orig.Outcome != res.Outcome {
		diffs = append(diffs, fmt.Sprintf("outcome: %s -> %s", orig.Outcome, res.Outcome))
	}
	if !slices.Equal(orig.Executed, res.Executed) {
		diffs = append(diffs, fmt.Sprintf("executed: %v -> %v", orig.Executed, res.Executed))
	}
	var code string
	if res.Err != nil {
		code = string(res.Err.Code)
	}
	if orig.ErrorCode != code {
		diffs = append(diffs, fmt.Sprintf("error code: %q -> %q", orig.ErrorCode, code))
	}

	hash, err := ir.ContextHash(orEmpty(res.Context))
	if err != nil {
		return nil, err
	}
	if orig.ContextHash != hash {
		diffs = append(diffs, "context: values differ")
	}
	return diffs, nil
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
