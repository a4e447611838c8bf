package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/rulegraph/internal/engine"
	"github.com/roach88/rulegraph/internal/ir"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	s.now = func() time.Time { return testEpoch }
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestGraph builds a one-trigger, one-action graph.
func createTestGraph(t *testing.T, ruleID string, version int64) *ir.RuleGraph {
	t.Helper()
	g, err := ir.NewRuleGraph(ruleID, "", []ir.Node{
		{ID: "t1", Type: "core.event", Kind: ir.KindTrigger},
	}, nil, []ir.Node{
		{ID: "a1", Type: "core.echo", Kind: ir.KindAction, Bindings: []ir.Binding{
			{Input: "value", Source: "t1", Output: "value", Required: true},
		}},
	})
	if err != nil {
		t.Fatalf("NewRuleGraph() failed: %v", err)
	}
	return g.WithVersion(version)
}

// createTestFiring creates a completed firing with one action run.
func createTestFiring(id, ruleID string, seq int64) engine.FiringResult {
	return engine.FiringResult{
		FiringID:    id,
		RuleID:      ruleID,
		RuleVersion: 1,
		GraphHash:   "hash-1",
		TriggerID:   "t1",
		Seq:         seq,
		Trigger:     ir.Object{"value": ir.Int(seq)},
		Outcome:     engine.OutcomeCompleted,
		Executed:    []string{"a1"},
		Actions: []engine.ActionRun{{
			ModuleID: "a1",
			Inputs:   ir.Object{"value": ir.Int(seq)},
			Outputs:  ir.Object{"value": ir.Int(seq)},
			Duration: time.Millisecond,
		}},
		Context:    ir.Object{"t1.value": ir.Int(seq), "a1.value": ir.Int(seq)},
		StartedAt:  testEpoch.Add(time.Duration(seq) * time.Second),
		FinishedAt: testEpoch.Add(time.Duration(seq)*time.Second + time.Millisecond),
	}
}
