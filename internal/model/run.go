package model

import "time"

// RunStatus represents the state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusComplete  RunStatus = "complete"
	RunStatusPartial   RunStatus = "partial"   // at least one pass failed, the rest ran
	RunStatusAborted   RunStatus = "aborted"   // stopped after a failed pass (abort policy)
	RunStatusCancelled RunStatus = "cancelled" // context cancelled between passes
)

// PassStatus represents the outcome of a single pass.
type PassStatus string

const (
	PassStatusComplete PassStatus = "complete"
	PassStatusPartial  PassStatus = "partial" // some assets failed
	PassStatusFailed   PassStatus = "failed"
	PassStatusSkipped  PassStatus = "skipped"
)

// Run is one orchestrator invocation over an ordered list of passes.
type Run struct {
	ID         string       `json:"id"`
	Agents     []string     `json:"agents"`
	Status     RunStatus    `json:"status"`
	Error      string       `json:"error,omitempty"`
	Passes     []PassResult `json:"passes,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// AssetFailure records why one asset could not be processed by a pass.
type AssetFailure struct {
	Key     string `json:"key,omitempty"`
	Locator string `json:"locator,omitempty"`
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"` // "transient" or "permanent"
}

// PassResult summarizes one pass over the catalog.
type PassResult struct {
	Agent     string         `json:"agent"`
	Status    PassStatus     `json:"status"`
	Processed int            `json:"processed"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Skipped   int            `json:"skipped"`
	Error     string         `json:"error,omitempty"`
	Failures  []AssetFailure `json:"failures,omitempty"`
	Outputs   []string       `json:"outputs,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
}

// Finalize derives Status from the counters unless the pass already failed.
// Per-asset failures make a pass partial, never failed.
func (r *PassResult) Finalize() {
	if r.Status == PassStatusFailed {
		return
	}
	if r.Failed > 0 {
		r.Status = PassStatusPartial
		return
	}
	r.Status = PassStatusComplete
}
