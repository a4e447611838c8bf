package testutil

import (
	"context"
	"sync"

	"github.com/roach88/rulegraph/internal/handler"
	"github.com/roach88/rulegraph/internal/ir"
)

// RecordType is the UID of the recording action registered by Recording.
const RecordType = "test.record"

// Call is one captured action invocation.
type Call struct {
	RuleID   string
	FiringID string
	ModuleID string
	Inputs   ir.Object
}

// Recording is an action that captures every invocation and echoes its
// inputs back as outputs. Both inputs are optional, so a rule can wire
// whichever one its trigger provides.
//
// Thread-safety: All methods are safe for concurrent use.
type Recording struct {
	mu    sync.Mutex
	calls []Call
}

// NewRecording creates an empty recording.
func NewRecording() *Recording {
	return &Recording{}
}

// RecordModuleType describes the recording action.
func RecordModuleType() ir.ModuleType {
	return ir.ModuleType{
		UID:   RecordType,
		Kind:  ir.KindAction,
		Label: "Record",
		Inputs: []ir.Input{
			{Name: "value", Type: ir.TypeNumber},
			{Name: "text", Type: ir.TypeString},
		},
		Outputs: []ir.Output{
			{Name: "value", Type: ir.TypeNumber},
			{Name: "text", Type: ir.TypeString},
		},
	}
}

// Register adds the recording type to types and binds r as its handler.
func (r *Recording) Register(types interface{ RegisterType(ir.ModuleType) }, handlers *handler.Registry) {
	types.RegisterType(RecordModuleType())
	handlers.Action(RecordType, r)
}

// Execute implements handler.Action.
func (r *Recording) Execute(_ context.Context, inv handler.Invocation) (map[string]ir.Value, error) {
	in := make(ir.Object, len(inv.Inputs))
	for k, v := range inv.Inputs {
		in[k] = v
	}

	r.mu.Lock()
	r.calls = append(r.calls, Call{
		RuleID:   inv.RuleID,
		FiringID: inv.FiringID,
		ModuleID: inv.ModuleID,
		Inputs:   in,
	})
	r.mu.Unlock()

	out := make(map[string]ir.Value, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out, nil
}

// Calls returns a copy of every captured call in arrival order.
func (r *Recording) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Count returns how many calls moduleID received. An empty moduleID counts
// every call.
func (r *Recording) Count(moduleID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if moduleID == "" {
		return len(r.calls)
	}
	n := 0
	for _, c := range r.calls {
		if c.ModuleID == moduleID {
			n++
		}
	}
	return n
}

// Reset forgets all captured calls.
func (r *Recording) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}
