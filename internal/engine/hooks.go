package engine

import (
	"context"
	"time"

	"github.com/roach88/rulegraph/internal/ir"
)

// Recorder persists rule lifecycle events and firing results.
// Implemented by store.Store. Errors are logged and never fail a firing.
type Recorder interface {
	RecordInstall(ctx context.Context, g *ir.RuleGraph, def ir.Rule) error
	RecordRetract(ctx context.Context, ruleID string) error
	RecordFiring(ctx context.Context, r FiringResult) error
}

// Listener observes rule installs and retracts. Calls are made outside the
// engine's locks, after the change is visible to Fire.
type Listener interface {
	// RuleInstalled is called for new rules and for redefinitions that
	// changed the graph. Unchanged resubmissions are not reported.
	RuleInstalled(g *ir.RuleGraph, def ir.Rule)
	RuleRetracted(ruleID string)
}

// Metrics receives engine measurements. Implemented by metrics.Collector.
type Metrics interface {
	ObserveFiring(ruleID string, outcome Outcome, d time.Duration)
	ObserveAction(ruleID, moduleID string, d time.Duration)
	SetQueueDepth(ruleID string, n int)
	DeleteRule(ruleID string)
	SetRulesInstalled(n int)
	CountSubmission(result string)
}

// Submission results reported to Metrics.CountSubmission.
const (
	SubmitInstalled = "installed"
	SubmitUpdated   = "updated"
	SubmitUnchanged = "unchanged"
	SubmitRejected  = "rejected"
)

type nopMetrics struct{}

func (nopMetrics) ObserveFiring(string, Outcome, time.Duration) {}
func (nopMetrics) ObserveAction(string, string, time.Duration)  {}
func (nopMetrics) SetQueueDepth(string, int)                    {}
func (nopMetrics) DeleteRule(string)                            {}
func (nopMetrics) SetRulesInstalled(int)                        {}
func (nopMetrics) CountSubmission(string)                       {}
