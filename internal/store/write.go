package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/rulegraph/internal/engine"
	"github.com/roach88/rulegraph/internal/ir"
)

// RecordInstall upserts the current install of a rule and appends its
// graph to rule_versions. Recording the same version twice is a no-op for
// rule_versions.
//
// Implements engine.Recorder.
func (s *Store) RecordInstall(ctx context.Context, g *ir.RuleGraph, def ir.Rule) error {
	graphJSON, err := marshalObject(ir.GraphObject(g))
	if err != nil {
		return fmt.Errorf("record install: %w", err)
	}
	defJSON, err := marshalDefinition(def)
	if err != nil {
		return fmt.Errorf("record install: %w", err)
	}
	now := formatTime(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record install: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rules
		(rule_id, version, graph_hash, graph, definition, ir_version, engine_version, installed_at, retracted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(rule_id) DO UPDATE SET
			version = excluded.version,
			graph_hash = excluded.graph_hash,
			graph = excluded.graph,
			definition = excluded.definition,
			ir_version = excluded.ir_version,
			engine_version = excluded.engine_version,
			installed_at = excluded.installed_at,
			retracted_at = NULL
	`,
		g.RuleID,
		g.Version,
		g.Hash,
		graphJSON,
		defJSON,
		ir.IRVersion,
		ir.EngineVersion,
		now,
	)
	if err != nil {
		return fmt.Errorf("record install: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rule_versions (rule_id, version, graph_hash, graph, installed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(rule_id, version) DO NOTHING
	`, g.RuleID, g.Version, g.Hash, graphJSON, now)
	if err != nil {
		return fmt.Errorf("record install: version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record install: commit: %w", err)
	}
	return nil
}

// RecordRetract marks a rule retracted. Unknown rule IDs are ignored.
//
// Implements engine.Recorder.
func (s *Store) RecordRetract(ctx context.Context, ruleID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE rules SET retracted_at = ? WHERE rule_id = ? AND retracted_at IS NULL
	`, formatTime(s.now()), ruleID)
	if err != nil {
		return fmt.Errorf("record retract: %w", err)
	}
	return nil
}

// RecordFiring inserts a finished firing and its action runs.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - recording the same
// firing twice leaves the first record in place.
//
// Implements engine.Recorder.
func (s *Store) RecordFiring(ctx context.Context, r engine.FiringResult) error {
	triggerJSON, err := marshalObject(r.Trigger)
	if err != nil {
		return fmt.Errorf("record firing: %w", err)
	}
	executedJSON, err := marshalStrings(r.Executed)
	if err != nil {
		return fmt.Errorf("record firing: %w", err)
	}
	contextJSON, err := marshalObject(r.Context)
	if err != nil {
		return fmt.Errorf("record firing: %w", err)
	}
	contextHash, err := ir.ContextHash(orEmpty(r.Context))
	if err != nil {
		return fmt.Errorf("record firing: %w", err)
	}
	var code string
	if r.Err != nil {
		code = string(r.Err.Code)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record firing: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO firings
		(id, rule_id, rule_version, graph_hash, trigger_id, seq, trigger_outputs, outcome,
		 executed, context, context_hash, error_code, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		r.FiringID,
		r.RuleID,
		r.RuleVersion,
		r.GraphHash,
		r.TriggerID,
		r.Seq,
		triggerJSON,
		string(r.Outcome),
		executedJSON,
		contextJSON,
		contextHash,
		code,
		errorText(r),
		formatTime(r.StartedAt),
		formatTime(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("record firing: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("record firing: rows affected: %w", err)
	}
	if rows == 0 {
		// Already recorded.
		return nil
	}

	for i, run := range r.Actions {
		inputs, err := marshalObject(run.Inputs)
		if err != nil {
			return fmt.Errorf("record firing: action %s: %w", run.ModuleID, err)
		}
		outputs, err := marshalObject(run.Outputs)
		if err != nil {
			return fmt.Errorf("record firing: action %s: %w", run.ModuleID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO action_runs (firing_id, position, module_id, inputs, outputs, error, duration_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, r.FiringID, i, run.ModuleID, inputs, outputs, run.Error, int64(run.Duration))
		if err != nil {
			return fmt.Errorf("record firing: action %s: %w", run.ModuleID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record firing: commit: %w", err)
	}
	return nil
}

// errorText prefers the rendered error; a result that never went through
// Firing.finish still carries Err.
func errorText(r engine.FiringResult) string {
	if r.Error != "" {
		return r.Error
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	return ""
}

func orEmpty(obj ir.Object) ir.Object {
	if obj == nil {
		return ir.Object{}
	}
	return obj
}

// marshalDefinition converts a rule definition to JSON TEXT.
// Uses json.Encoder with HTML escaping disabled, matching the canonical
// columns. Definitions are stored for audit only and never hashed.
func marshalDefinition(def ir.Rule) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(def); err != nil {
		return "", fmt.Errorf("marshal definition: %w", err)
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}
