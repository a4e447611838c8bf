// Package source runs the trigger sources that fire installed rules on
// their own: cron schedules and filesystem watches.
package source

import (
	"context"
	"time"

	"github.com/roach88/rulegraph/internal/ir"
)

// Event is one trigger occurrence produced by a source.
type Event struct {
	RuleID    string
	TriggerID string
	Timestamp time.Time
	Outputs   map[string]ir.Value
}

// Source produces events for a single trigger instance of a rule.
type Source interface {
	// Start begins producing events on the channel. It blocks until ctx is
	// done or the source fails.
	Start(ctx context.Context, events chan<- Event) error
	// Stop releases the source's resources.
	Stop() error
	RuleID() string
	TriggerID() string
}

// send delivers ev without blocking. A full channel drops the event and
// reports false.
func send(events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	default:
		return false
	}
}
