package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/roach88/rulegraph/internal/builtin"
	"github.com/roach88/rulegraph/internal/ir"
)

// Scheduled fires a core.cron trigger on its schedule. Schedules use the
// six-field cron syntax with seconds, and descriptors such as @every 5m.
type Scheduled struct {
	ruleID    string
	triggerID string
	cron      *cron.Cron
	events    chan<- Event
	logger    *slog.Logger
	now       func() time.Time
}

// NewScheduled creates a scheduled source. The schedule is parsed here so
// a bad expression fails before the source starts.
func NewScheduled(ruleID, triggerID string, cfg builtin.CronConfig, logger *slog.Logger) (*Scheduled, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduled{
		ruleID:    ruleID,
		triggerID: triggerID,
		cron:      cron.New(cron.WithSeconds()),
		logger:    logger,
		now:       time.Now,
	}

	if _, err := s.cron.AddFunc(cfg.Schedule, s.tick); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

func (s *Scheduled) RuleID() string    { return s.ruleID }
func (s *Scheduled) TriggerID() string { return s.triggerID }

func (s *Scheduled) Start(ctx context.Context, events chan<- Event) error {
	s.events = events
	s.cron.Start()

	<-ctx.Done()
	return ctx.Err()
}

// Stop stops the scheduler. A tick already running completes.
func (s *Scheduled) Stop() error {
	<-s.cron.Stop().Done()
	return nil
}

func (s *Scheduled) tick() {
	if s.events == nil {
		return
	}
	now := s.now()
	ok := send(s.events, Event{
		RuleID:    s.ruleID,
		TriggerID: s.triggerID,
		Timestamp: now,
		Outputs:   map[string]ir.Value{"time": ir.String(now.UTC().Format(time.RFC3339))},
	})
	if !ok {
		s.logger.Warn("event dropped", "rule_id", s.ruleID, "trigger_id", s.triggerID, "source", "cron")
	}
}
