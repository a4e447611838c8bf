package source

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rulegraph/internal/builtin"
	"github.com/roach88/rulegraph/internal/engine"
	"github.com/roach88/rulegraph/internal/ir"
)

// =============================================================================
// Fakes
// =============================================================================

type fired struct {
	RuleID, TriggerID string
	Outputs           map[string]ir.Value
}

type fakeFirer struct {
	mu    sync.Mutex
	calls []fired
	ch    chan fired
}

func newFakeFirer() *fakeFirer {
	return &fakeFirer{ch: make(chan fired, 16)}
}

func (f *fakeFirer) Fire(ruleID, triggerID string, outputs map[string]ir.Value) (*engine.Firing, error) {
	c := fired{ruleID, triggerID, outputs}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	f.ch <- c
	return nil, nil
}

// manualSource emits whatever is pushed into it.
type manualSource struct {
	ruleID, triggerID string
	push              chan map[string]ir.Value
	started           chan struct{}
	stopped           chan struct{}
	stopOnce          sync.Once
}

func newManualSource(ruleID, triggerID string) *manualSource {
	return &manualSource{
		ruleID:    ruleID,
		triggerID: triggerID,
		push:      make(chan map[string]ir.Value),
		started:   make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

func (s *manualSource) RuleID() string    { return s.ruleID }
func (s *manualSource) TriggerID() string { return s.triggerID }

func (s *manualSource) Start(ctx context.Context, events chan<- Event) error {
	close(s.started)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out := <-s.push:
			events <- Event{RuleID: s.ruleID, TriggerID: s.triggerID, Outputs: out}
		}
	}
}

func (s *manualSource) Stop() error {
	s.stopOnce.Do(func() { close(s.stopped) })
	return nil
}

type manualFactory struct {
	mu      sync.Mutex
	sources map[string]*manualSource
}

func (f *manualFactory) create(ruleID string, n ir.Node, _ *slog.Logger) (Source, error) {
	if n.Type != "test.manual" {
		return nil, nil
	}
	s := newManualSource(ruleID, n.ID)
	f.mu.Lock()
	f.sources[ruleID+"/"+n.ID] = s
	f.mu.Unlock()
	return s, nil
}

func (f *manualFactory) get(key string) *manualSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sources[key]
}

func graph(t *testing.T, ruleID string, triggers ...ir.Node) *ir.RuleGraph {
	t.Helper()
	g, err := ir.NewRuleGraph(ruleID, "", triggers, nil, nil)
	require.NoError(t, err)
	return g
}

func newTestManager(t *testing.T) (*Manager, *fakeFirer, *manualFactory) {
	t.Helper()
	firer := newFakeFirer()
	factory := &manualFactory{sources: map[string]*manualSource{}}
	m := NewManager(firer,
		WithFactory(factory.create),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	t.Cleanup(func() { _ = m.Stop() })
	return m, firer, factory
}

func waitClosed(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
}

// =============================================================================
// Manager
// =============================================================================

func TestManager_ForwardsEvents(t *testing.T) {
	m, firer, factory := newTestManager(t)
	m.Start(context.Background())

	m.RuleInstalled(graph(t, "r1",
		ir.Node{ID: "t1", Type: "test.manual", Kind: ir.KindTrigger},
		ir.Node{ID: "t2", Type: builtin.Event, Kind: ir.KindTrigger},
	), ir.Rule{})
	assert.Equal(t, []string{"t1"}, m.Triggers("r1"))

	src := factory.get("r1/t1")
	waitClosed(t, src.started, "start")
	src.push <- map[string]ir.Value{"value": ir.Int(1)}

	select {
	case c := <-firer.ch:
		assert.Equal(t, "r1", c.RuleID)
		assert.Equal(t, "t1", c.TriggerID)
		assert.Equal(t, ir.Int(1), c.Outputs["value"])
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for fire")
	}
}

func TestManager_StartsSourcesRegisteredEarlier(t *testing.T) {
	m, _, factory := newTestManager(t)
	m.RuleInstalled(graph(t, "r1", ir.Node{ID: "t1", Type: "test.manual", Kind: ir.KindTrigger}), ir.Rule{})

	src := factory.get("r1/t1")
	select {
	case <-src.started:
		t.Fatal("source started before the manager")
	default:
	}

	m.Start(context.Background())
	waitClosed(t, src.started, "start")
}

func TestManager_RedefineReplacesSources(t *testing.T) {
	m, _, factory := newTestManager(t)
	m.Start(context.Background())

	m.RuleInstalled(graph(t, "r1", ir.Node{ID: "t1", Type: "test.manual", Kind: ir.KindTrigger}), ir.Rule{})
	first := factory.get("r1/t1")
	waitClosed(t, first.started, "start")

	m.RuleInstalled(graph(t, "r1", ir.Node{ID: "t2", Type: "test.manual", Kind: ir.KindTrigger}), ir.Rule{})
	waitClosed(t, first.stopped, "stop of replaced source")
	assert.Equal(t, []string{"t2"}, m.Triggers("r1"))
	waitClosed(t, factory.get("r1/t2").started, "start of new source")
}

func TestManager_Retract(t *testing.T) {
	m, _, factory := newTestManager(t)
	m.Start(context.Background())

	m.RuleInstalled(graph(t, "r1", ir.Node{ID: "t1", Type: "test.manual", Kind: ir.KindTrigger}), ir.Rule{})
	src := factory.get("r1/t1")
	waitClosed(t, src.started, "start")

	m.RuleRetracted("r1")
	waitClosed(t, src.stopped, "stop")
	assert.Empty(t, m.Triggers("r1"))

	m.RuleRetracted("unknown")
}

func TestManager_StopIsIdempotent(t *testing.T) {
	m, _, factory := newTestManager(t)
	m.Start(context.Background())
	m.RuleInstalled(graph(t, "r1", ir.Node{ID: "t1", Type: "test.manual", Kind: ir.KindTrigger}), ir.Rule{})

	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
	waitClosed(t, factory.get("r1/t1").stopped, "stop")

	// Installs after Stop do not start anything.
	m.RuleInstalled(graph(t, "r2", ir.Node{ID: "t1", Type: "test.manual", Kind: ir.KindTrigger}), ir.Rule{})
	assert.Empty(t, m.Triggers("r2"))
}

func TestBuiltinFactory(t *testing.T) {
	src, err := BuiltinFactory("r1", ir.Node{ID: "t1", Type: builtin.Cron, Config: ir.Object{"schedule": ir.String("@every 1m")}}, nil)
	require.NoError(t, err)
	require.NotNil(t, src)
	assert.Equal(t, "t1", src.TriggerID())
	_ = src.Stop()

	src, err = BuiltinFactory("r1", ir.Node{ID: "t1", Type: builtin.File, Config: ir.Object{"path": ir.String(t.TempDir())}}, nil)
	require.NoError(t, err)
	require.NotNil(t, src)
	_ = src.Stop()

	src, err = BuiltinFactory("r1", ir.Node{ID: "t1", Type: builtin.Event}, nil)
	assert.NoError(t, err)
	assert.Nil(t, src)

	_, err = BuiltinFactory("r1", ir.Node{ID: "t1", Type: builtin.Cron}, nil)
	assert.Error(t, err, "schedule is required")
}
