package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rulegraph/internal/builtin"
	"github.com/roach88/rulegraph/internal/catalog"
	"github.com/roach88/rulegraph/internal/engine"
	"github.com/roach88/rulegraph/internal/handler"
	"github.com/roach88/rulegraph/internal/ir"
	"github.com/roach88/rulegraph/internal/metrics"
	"github.com/roach88/rulegraph/internal/store"
	"github.com/roach88/rulegraph/internal/testutil"
)

// =============================================================================
// Fixture
// =============================================================================

type fixture struct {
	engine *engine.Engine
	store  *store.Store
	srv    *httptest.Server
}

func newFixture(t *testing.T, opts ...engine.EngineOption) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	cat := catalog.New()
	reg := handler.NewRegistry()
	builtin.Register(cat, reg, discard)

	opts = append([]engine.EngineOption{
		engine.WithRecorder(st),
		engine.WithMetrics(m),
		engine.WithLogger(discard),
		engine.WithIDGenerator(testutil.NewSequentialIDs("f")),
	}, opts...)
	e := engine.New(cat, reg, opts...)
	t.Cleanup(func() { _ = e.Close() })

	s := New(e, WithHistory(st), WithMetrics(m.Handler()), WithLogger(discard), WithWaitTimeout(5*time.Second))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	f := &fixture{engine: e, store: st, srv: srv}
	f.submit(t, ir.Rule{
		UID:      "r1",
		Triggers: []ir.ModuleInstance{{ID: "t1", Type: builtin.Event}},
		Actions: []ir.ModuleInstance{{
			ID: "a1", Type: builtin.Echo,
			Inputs: []ir.Connection{{Input: "value", Source: "t1", Output: "value"}},
		}},
	})
	f.submit(t, ir.Rule{
		UID:      "hook",
		Triggers: []ir.ModuleInstance{{ID: "w", Type: builtin.Webhook}},
		Actions:  []ir.ModuleInstance{{ID: "a1", Type: builtin.Log}},
	})
	return f
}

func (f *fixture) submit(t *testing.T, def ir.Rule) {
	t.Helper()
	_, vs := f.engine.Submit(def)
	require.Empty(t, vs)
}

func (f *fixture) post(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

// =============================================================================
// Fire
// =============================================================================

func TestFire_Accepted(t *testing.T) {
	f := newFixture(t)
	resp, body := f.post(t, "/rules/r1/triggers/t1", `{"value": 5}`)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "f-0001", body["firing_id"])
}

func TestFire_Wait(t *testing.T) {
	f := newFixture(t)
	resp, body := f.post(t, "/rules/r1/triggers/t1?wait=true", `{"value": 5}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["outcome"])
	assert.Equal(t, []any{"a1"}, body["executed"])
	ctx, _ := body["context"].(map[string]any)
	assert.EqualValues(t, 5, ctx["a1.value"])
}

func TestFire_WebhookWrapsBody(t *testing.T) {
	f := newFixture(t)
	resp, body := f.post(t, "/rules/hook/triggers/w?wait=true", `{"user": "ada", "n": 1}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	trigger, _ := body["trigger"].(map[string]any)
	payload, _ := trigger["body"].(map[string]any)
	assert.Equal(t, "ada", payload["user"])
}

func TestFire_EmptyBody(t *testing.T) {
	f := newFixture(t)
	resp, body := f.post(t, "/rules/r1/triggers/t1?wait=true", "")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "failed", body["outcome"])
	assert.Contains(t, body["error"], "UNRESOLVED_INPUT")
}

func TestFire_NotFound(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, "/rules/nope/triggers/t1", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "RULE_NOT_FOUND", errorCode(body))

	resp, body = f.post(t, "/rules/r1/triggers/nope", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "UNKNOWN_TRIGGER", errorCode(body))
}

func TestFire_BadBody(t *testing.T) {
	f := newFixture(t)

	for _, body := range []string{`[1, 2]`, `{"value":`, `"text"`} {
		resp, out := f.post(t, "/rules/r1/triggers/t1", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.Equal(t, "INVALID_BODY", errorCode(out))
	}
}

func TestFire_QueueFull(t *testing.T) {
	f := newFixture(t, engine.WithQueueLimit(1))
	f.submit(t, ir.Rule{
		UID:      "slow",
		Triggers: []ir.ModuleInstance{{ID: "t1", Type: builtin.Event}},
		Actions: []ir.ModuleInstance{{
			ID: "a1", Type: builtin.Delay,
			Config: ir.Object{"duration": ir.String("500ms")},
		}},
	})

	// One firing runs and one waits; the next is rejected.
	codes := []int{}
	for i := 0; i < 4; i++ {
		resp, _ := f.post(t, "/rules/slow/triggers/t1", `{}`)
		codes = append(codes, resp.StatusCode)
	}
	assert.Contains(t, codes, http.StatusTooManyRequests)
}

// =============================================================================
// Rules and history
// =============================================================================

func TestListRules(t *testing.T) {
	f := newFixture(t)
	resp, data := f.get(t, "/rules")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rules []RuleSummary
	require.NoError(t, json.Unmarshal(data, &rules))
	require.Len(t, rules, 2)
	assert.Equal(t, "hook", rules[0].RuleID)
	assert.Equal(t, "r1", rules[1].RuleID)
	assert.Equal(t, int64(1), rules[1].Version)
	assert.NotEmpty(t, rules[1].Hash)
	assert.Equal(t, []string{"t1"}, rules[1].Triggers)
	assert.Equal(t, engine.StateIdle, rules[1].State)
}

func TestGetRule(t *testing.T) {
	f := newFixture(t)

	resp, data := f.get(t, "/rules/r1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `"rule_id":"r1"`)

	resp, _ = f.get(t, "/rules/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFiringHistory(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		resp, _ := f.post(t, "/rules/r1/triggers/t1?wait=true", `{"value": 1}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, data := f.get(t, "/rules/r1/firings?limit=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var records []map[string]any
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 2)
	assert.Equal(t, "f-0002", records[0]["firing_id"])
	assert.Equal(t, "f-0003", records[1]["firing_id"])

	resp, data = f.get(t, "/firings/f-0001")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `"outcome":"completed"`)

	resp, _ = f.get(t, "/firings/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.get(t, "/rules/r1/firings?limit=-1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNoHistory(t *testing.T) {
	e := engine.New(catalog.New(), handler.NewRegistry())
	t.Cleanup(func() { _ = e.Close() })
	srv := httptest.NewServer(New(e).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/firings/x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsAndHealth(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.post(t, "/rules/r1/triggers/t1?wait=true", `{"value": 1}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `rulegraph_firings_total{outcome="completed",rule="r1"} 1`)

	resp, _ = f.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
