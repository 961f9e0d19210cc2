package harness

// OutcomeOk is the outcome of a step that succeeded.
const OutcomeOk = "ok"

// TraceEvent records what one step did. Outcome is "ok" or the failure
// name of the step's receipt.
type TraceEvent struct {
	Step    int            `json:"step"`
	Op      string         `json:"op"`
	Ability string         `json:"ability,omitempty"`
	Outcome string         `json:"outcome"`
	Forks   map[string]int `json:"forks,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace has one event per step that ran.
	Trace []TraceEvent `json:"trace"`

	// Errors describes every failed expectation.
	Errors []string `json:"errors,omitempty"`

	// State is the network state after the last step.
	State State `json:"state"`
}

// State is the part of the network state a scenario snapshot keeps.
type State struct {
	// Replicas counts replica rows by status, keyed "space/blob".
	Replicas map[string]map[string]int `json:"replicas,omitempty"`

	// Claims counts received claims by ability, keyed by recipient.
	Claims map[string]map[string]int `json:"claims,omitempty"`
}

// NewResult creates a passing result.
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

// Count returns how many steps ran op, with outcome if it is not empty.
func (r *Result) Count(op, outcome string) int {
	n := 0
	for _, ev := range r.Trace {
		if ev.Op == op && (outcome == "" || ev.Outcome == outcome) {
			n++
		}
	}
	return n
}
