package capsule

import (
	"time"

	"capsule-go/internal/syncerr"
)

// Outcome classifies a finished run.
type Outcome string

const (
	// OutcomeSuccess: at least one node examined and no failures.
	OutcomeSuccess Outcome = "success"
	// OutcomeNoWork: nothing was found to examine and nothing failed.
	OutcomeNoWork Outcome = "no_work"
	// OutcomePartial: some nodes failed, at least one succeeded.
	OutcomePartial Outcome = "partial"
	// OutcomeFailed: failures and no successful node, or the run was cancelled.
	OutcomeFailed Outcome = "failed"
)

// Failure is one recorded error of a run. NodeID is empty for failures
// that do not belong to a single node, such as the root listing.
type Failure struct {
	NodeID  string       `json:"node_id"`
	Kind    syncerr.Kind `json:"kind"`
	Message string       `json:"message"`
}

// RunOptions selects what a run covers.
type RunOptions struct {
	// NodeID limits the run to one page or database and its descendants.
	NodeID string
	// Full ignores stored fingerprints and refreshes every node.
	Full bool
	// Attachments enables downloading of hosted files.
	Attachments bool
	// DryRun decides and renders but writes nothing.
	DryRun bool
}

// RunResult is the outcome of one orchestrator run. It is immutable once
// returned from Run.
type RunResult struct {
	RunID      string
	Options    RunOptions
	StartedAt  time.Time
	FinishedAt time.Time

	Examined           int
	Refreshed          int
	Skipped            int
	Touched            int
	Excluded           int
	AttachmentsFetched int

	Failures  []Failure
	Cancelled bool
	Outcome   Outcome

	// Generation is the fingerprint store generation written by this run,
	// or the loaded generation when nothing was saved.
	Generation int64
	// Changed lists the fingerprints refreshed by this run.
	Changed []Fingerprint
}

// Succeeded returns the number of nodes handled without error.
func (r *RunResult) Succeeded() int {
	return r.Refreshed + r.Skipped + r.Touched
}

// Success reports whether the run counts as successful: no failures, or
// at least one node succeeded alongside them.
func (r *RunResult) Success() bool {
	return r.Outcome != OutcomeFailed
}

// Duration returns the wall time of the run.
func (r *RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *RunResult) fail(nodeID string, err error) {
	r.Failures = append(r.Failures, Failure{
		NodeID:  nodeID,
		Kind:    syncerr.KindOf(err),
		Message: err.Error(),
	})
}

func (r *RunResult) finalize(now time.Time) {
	r.FinishedAt = now
	r.Outcome = outcomeOf(r)
}

func outcomeOf(r *RunResult) Outcome {
	switch {
	case r.Cancelled:
		return OutcomeFailed
	case len(r.Failures) == 0 && r.Examined == 0:
		return OutcomeNoWork
	case len(r.Failures) == 0:
		return OutcomeSuccess
	case r.Succeeded() > 0:
		return OutcomePartial
	default:
		return OutcomeFailed
	}
}
