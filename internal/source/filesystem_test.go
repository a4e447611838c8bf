package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rulegraph/internal/builtin"
	"github.com/roach88/rulegraph/internal/ir"
)

const watchSettle = 100 * time.Millisecond

func startFilesystem(t *testing.T, cfg builtin.FileConfig) chan Event {
	t.Helper()
	f, err := NewFilesystem("r1", "t1", cfg, nil)
	require.NoError(t, err)

	events := make(chan Event, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.Start(ctx, events)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = f.Stop()
	})
	time.Sleep(watchSettle)
	return events
}

func expectEvent(t *testing.T, events chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func expectNoEvent(t *testing.T, events chan Event, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-events:
		t.Errorf("unexpected event: %+v", ev)
	case <-time.After(wait):
	}
}

func TestFilesystem_Create(t *testing.T) {
	dir := t.TempDir()
	events := startFilesystem(t, builtin.FileConfig{
		Path:   dir,
		Events: []string{"create"},
		Ignore: []string{"*.tmp"},
	})

	file := filepath.Join(dir, "test.txt")
	require.NoError(t, os.WriteFile(file, []byte("hello"), 0o644))

	ev := expectEvent(t, events)
	assert.Equal(t, "r1", ev.RuleID)
	assert.Equal(t, "t1", ev.TriggerID)
	assert.Equal(t, ir.String(file), ev.Outputs["path"])
	assert.Equal(t, ir.String("create"), ev.Outputs["op"])

	// The write half of WriteFile is not subscribed.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.tmp"), []byte("x"), 0o644))
	expectNoEvent(t, events, 300*time.Millisecond)
}

func TestFilesystem_Remove(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "gone.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	events := startFilesystem(t, builtin.FileConfig{Path: dir, Events: []string{"remove"}})
	require.NoError(t, os.Remove(file))

	ev := expectEvent(t, events)
	assert.Equal(t, ir.String("remove"), ev.Outputs["op"])
}

func TestFilesystem_Debounce(t *testing.T) {
	dir := t.TempDir()
	events := startFilesystem(t, builtin.FileConfig{
		Path:     dir,
		Events:   []string{"create", "write"},
		Debounce: 200 * time.Millisecond,
	})

	file := filepath.Join(dir, "busy.txt")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(file, []byte{byte(i)}, 0o644))
		time.Sleep(20 * time.Millisecond)
	}

	ev := expectEvent(t, events)
	assert.Equal(t, ir.String(file), ev.Outputs["path"])
	expectNoEvent(t, events, 400*time.Millisecond)
}

func TestFilesystem_ConfigErrors(t *testing.T) {
	_, err := NewFilesystem("r1", "t1", builtin.FileConfig{Path: "/tmp", Events: []string{"explode"}}, nil)
	assert.ErrorContains(t, err, "explode")

	_, err = NewFilesystem("r1", "t1", builtin.FileConfig{Path: "/tmp", Ignore: []string{"["}}, nil)
	assert.Error(t, err)
}

func TestFilesystem_MissingPath(t *testing.T) {
	f, err := NewFilesystem("r1", "t1", builtin.FileConfig{Path: filepath.Join(t.TempDir(), "nope")}, nil)
	require.NoError(t, err)
	defer f.Stop()

	err = f.Start(context.Background(), make(chan Event))
	assert.Error(t, err)
}
