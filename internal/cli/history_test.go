package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedHistory fires threshold twice and combo once into a fresh database.
func seedHistory(t *testing.T) (string, []string) {
	t.Helper()
	db := filepath.Join(t.TempDir(), "history.db")
	var ids []string
	for _, args := range [][]string{
		{rulesDir, "threshold", "t1", `{"value": 15}`},
		{rulesDir, "threshold", "t1", `{"value": 2}`},
		{rulesDir, "combo", "t1", `{"value": 7}`},
	} {
		resp, err := fireJSON(t, append(args, "--db", db)...)
		require.NoError(t, err)
		ids = append(ids, resp.FiringID)
	}
	return db, ids
}

func TestHistory_List(t *testing.T) {
	db, ids := seedHistory(t)

	out, err := execute(t, "history", db)
	require.NoError(t, err)
	for _, id := range ids {
		assert.Contains(t, out, id)
	}
	assert.Contains(t, out, "combo/t1  completed")
}

func TestHistory_FilterAndLimit(t *testing.T) {
	db, ids := seedHistory(t)

	out, err := execute(t, "history", db, "threshold", "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Data []struct {
			FiringID string `json:"firing_id"`
			RuleID   string `json:"rule_id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 2)
	for _, f := range resp.Data {
		assert.Equal(t, "threshold", f.RuleID)
	}

	out, err = execute(t, "history", db, "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, ids[2])
	assert.NotContains(t, out, ids[0])
}

func TestHistory_Firing(t *testing.T) {
	db, ids := seedHistory(t)

	out, err := execute(t, "history", db, "--firing", ids[2])
	require.NoError(t, err)
	assert.Contains(t, out, "(rule combo v1, trigger t1, seq 3): completed")
	assert.Contains(t, out, "action C1.inner1 (")
	assert.Contains(t, out, "action a2 (")
}

func TestHistory_UnknownFiring(t *testing.T) {
	db, _ := seedHistory(t)

	_, err := execute(t, "history", db, "--firing", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestHistory_Rules(t *testing.T) {
	db, _ := seedHistory(t)

	out, err := execute(t, "history", db, "--rules")
	require.NoError(t, err)
	assert.Contains(t, out, "combo  v1")
	assert.Contains(t, out, "threshold  v1")
}

func TestHistory_MissingDatabase(t *testing.T) {
	db := filepath.Join(t.TempDir(), "absent.db")

	out, err := execute(t, "history", db)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "database not found")
	assert.NoFileExists(t, db)
}

func TestHistory_EmptyDatabase(t *testing.T) {
	db := filepath.Join(t.TempDir(), "history.db")
	st, _, err := openHistory(context.Background(), db)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := execute(t, "history", db)
	require.NoError(t, err)
	assert.Contains(t, out, "No firings recorded.")
}
