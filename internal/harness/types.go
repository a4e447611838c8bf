package harness

// TraceEvent records what one step did. Only fields relevant to the
// step's operation are set.
type TraceEvent struct {
	Step int    `json:"step"`
	Op   string `json:"op"`
	Rule string `json:"rule"`

	// submit
	Result     string   `json:"result,omitempty"` // installed, updated, unchanged, rejected
	Version    int64    `json:"version,omitempty"`
	Violations []string `json:"violations,omitempty"`

	// fire
	Trigger   string         `json:"trigger,omitempty"`
	FiringID  string         `json:"firing_id,omitempty"`
	Seq       int64          `json:"seq,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	Executed  []string       `json:"executed,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`

	// retract
	Removed *bool `json:"removed,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all expect clauses and assertions match.
	Pass bool `json:"pass"`

	// Trace contains one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step event.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
