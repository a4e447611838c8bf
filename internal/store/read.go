package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/rulegraph/internal/engine"
)

// RuleRecord is the recorded state of one rule ID.
type RuleRecord struct {
	RuleID        string          `json:"rule_id"`
	Version       int64           `json:"version"`
	GraphHash     string          `json:"graph_hash"`
	Graph         json.RawMessage `json:"graph"`
	Definition    json.RawMessage `json:"definition"`
	IRVersion     string          `json:"ir_version"`
	EngineVersion string          `json:"engine_version"`
	InstalledAt   time.Time       `json:"installed_at"`
	RetractedAt   *time.Time      `json:"retracted_at,omitempty"`
}

// FiringRecord is a recorded firing. Err is never set; ErrorCode and Error
// carry the runtime error.
type FiringRecord struct {
	engine.FiringResult
	ErrorCode   string `json:"error_code,omitempty"`
	ContextHash string `json:"context_hash"`
}

// ListRules returns every recorded rule, retracted ones included, ordered
// by rule ID.
func (s *Store) ListRules(ctx context.Context) ([]RuleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, version, graph_hash, graph, definition, ir_version, engine_version, installed_at, retracted_at
		FROM rules
		ORDER BY rule_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	out := []RuleRecord{}
	for rows.Next() {
		var (
			r                     RuleRecord
			graph, def, installed string
			retracted             sql.NullString
		)
		if err := rows.Scan(&r.RuleID, &r.Version, &r.GraphHash, &graph, &def,
			&r.IRVersion, &r.EngineVersion, &installed, &retracted); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.Graph = json.RawMessage(graph)
		r.Definition = json.RawMessage(def)
		if r.InstalledAt, err = parseTime(installed); err != nil {
			return nil, err
		}
		if retracted.Valid {
			t, err := parseTime(retracted.String)
			if err != nil {
				return nil, err
			}
			r.RetractedAt = &t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return out, nil
}

// RuleVersions returns the graph hash of every recorded version of ruleID,
// indexed by version.
func (s *Store) RuleVersions(ctx context.Context, ruleID string) (map[int64]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, graph_hash FROM rule_versions WHERE rule_id = ? ORDER BY version ASC
	`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("query rule versions: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]string)
	for rows.Next() {
		var v int64
		var h string
		if err := rows.Scan(&v, &h); err != nil {
			return nil, fmt.Errorf("scan rule version: %w", err)
		}
		out[v] = h
	}
	return out, rows.Err()
}

const firingColumns = `
	id, rule_id, rule_version, graph_hash, trigger_id, seq, trigger_outputs, outcome,
	executed, context, context_hash, error_code, error, started_at, finished_at`

// ListFirings returns the most recent limit firings of ruleID (all rules
// when ruleID is empty), ordered deterministically: seq ASC, id ASC.
// limit <= 0 returns every firing. Action runs are not loaded.
//
// Returns an empty slice (not nil) if nothing was recorded.
func (s *Store) ListFirings(ctx context.Context, ruleID string, limit int) ([]FiringRecord, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+firingColumns+` FROM (
			SELECT `+firingColumns+` FROM firings
			WHERE ? = '' OR rule_id = ?
			ORDER BY seq DESC, id COLLATE BINARY DESC
			LIMIT ?
		)
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, ruleID, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("query firings: %w", err)
	}
	defer rows.Close()

	out := []FiringRecord{}
	for rows.Next() {
		rec, err := scanFiring(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate firings: %w", err)
	}
	return out, nil
}

// GetFiring retrieves a single firing with its action runs.
// Returns sql.ErrNoRows if not found.
func (s *Store) GetFiring(ctx context.Context, id string) (FiringRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+firingColumns+` FROM firings WHERE id = ?`, id)
	rec, err := scanFiring(row)
	if err != nil {
		return FiringRecord{}, err
	}
	runs, err := s.ListActionRuns(ctx, id)
	if err != nil {
		return FiringRecord{}, err
	}
	rec.Actions = runs
	return rec, nil
}

// ListActionRuns returns the action runs of a firing in execution order.
func (s *Store) ListActionRuns(ctx context.Context, firingID string) ([]engine.ActionRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT module_id, inputs, outputs, error, duration_ns
		FROM action_runs
		WHERE firing_id = ?
		ORDER BY position ASC
	`, firingID)
	if err != nil {
		return nil, fmt.Errorf("query action runs: %w", err)
	}
	defer rows.Close()

	out := []engine.ActionRun{}
	for rows.Next() {
		var (
			run             engine.ActionRun
			inputs, outputs string
			durationNS      int64
		)
		if err := rows.Scan(&run.ModuleID, &inputs, &outputs, &run.Error, &durationNS); err != nil {
			return nil, fmt.Errorf("scan action run: %w", err)
		}
		if run.Inputs, err = unmarshalObject(inputs); err != nil {
			return nil, err
		}
		if run.Outputs, err = unmarshalObject(outputs); err != nil {
			return nil, err
		}
		run.Duration = time.Duration(durationNS)
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action runs: %w", err)
	}
	return out, nil
}

// MaxSeq returns the highest recorded firing seq, or 0 for an empty store.
// Used to resume the engine's sequence across restarts.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM firings`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq.Int64, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanFiring(row scanner) (FiringRecord, error) {
	var (
		rec                                FiringRecord
		outcome, trigger, executed, ctxStr string
		started, finished                  string
	)
	r := &rec.FiringResult
	err := row.Scan(&r.FiringID, &r.RuleID, &r.RuleVersion, &r.GraphHash, &r.TriggerID, &r.Seq,
		&trigger, &outcome, &executed, &ctxStr, &rec.ContextHash, &rec.ErrorCode, &r.Error,
		&started, &finished)
	if err == sql.ErrNoRows {
		return FiringRecord{}, err
	}
	if err != nil {
		return FiringRecord{}, fmt.Errorf("scan firing: %w", err)
	}
	r.Outcome = engine.Outcome(outcome)
	if r.Trigger, err = unmarshalObject(trigger); err != nil {
		return FiringRecord{}, err
	}
	if r.Executed, err = unmarshalStrings(executed); err != nil {
		return FiringRecord{}, err
	}
	if r.Context, err = unmarshalObject(ctxStr); err != nil {
		return FiringRecord{}, err
	}
	if r.StartedAt, err = parseTime(started); err != nil {
		return FiringRecord{}, err
	}
	if r.FinishedAt, err = parseTime(finished); err != nil {
		return FiringRecord{}, err
	}
	return rec, nil
}
