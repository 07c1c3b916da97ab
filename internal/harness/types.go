package harness

// TraceEntry is one observed step. Keys depend on the operation; see
// Step for the names.
type TraceEntry map[string]any

// BusEvent is an event the engine published during the scenario.
type BusEvent struct {
	Name   string `json:"event"`
	ItemID string `json:"item"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every toggle check and expect step matched.
	Pass bool `json:"pass"`

	Trace []TraceEntry `json:"trace"`

	// Events are the bus events, in publish order.
	Events []BusEvent `json:"events"`

	// Errors contains mismatch messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Cache is the final durable active set, by kind. Kinds with no active
	// items are omitted.
	Cache map[string][]string `json:"cache"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEntry{},
		Events: []BusEvent{},
		Errors: []string{},
		Cache:  make(map[string][]string),
	}
}

// AddError adds a mismatch and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addTrace(entry TraceEntry) {
	r.Trace = append(r.Trace, entry)
}
