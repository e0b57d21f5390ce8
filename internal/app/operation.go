package app

import (
	"errors"

	"capsule-go/internal/capsule"
	"capsule-go/internal/config"
	"capsule-go/internal/syncerr"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitFailed      = 1
	ExitConfig      = 2
	ExitAuth        = 3
	ExitNetwork     = 4
	ExitPartial     = 6
	ExitInterrupted = 130
)

// Operation tracks one CLI invocation. ID tags every log line the
// invocation writes; it becomes the run id when the operation is a sync.
type Operation struct {
	Name string
	ID   string
}

// NewOperation creates an in-memory operation record.
func NewOperation(name, id string) *Operation {
	return &Operation{Name: name, ID: id}
}

// ExitCode maps the result and error of an operation to the process exit
// status. result may be nil for operations that are not syncs.
func ExitCode(result *capsule.RunResult, err error) int {
	if err != nil {
		if errors.Is(err, config.ErrInvalid) {
			return ExitConfig
		}
		switch syncerr.KindOf(err) {
		case syncerr.Configuration:
			return ExitConfig
		case syncerr.Authentication:
			return ExitAuth
		case syncerr.Cancelled:
			return ExitInterrupted
		case syncerr.RateLimited, syncerr.Transient:
			return ExitNetwork
		}
		if result != nil && result.Cancelled {
			return ExitInterrupted
		}
		return ExitFailed
	}
	if result == nil {
		return ExitOK
	}

	switch result.Outcome {
	case capsule.OutcomeSuccess, capsule.OutcomeNoWork:
		return ExitOK
	case capsule.OutcomePartial:
		return ExitPartial
	}
	if result.Cancelled {
		return ExitInterrupted
	}
	if rootListingUnreachable(result) {
		return ExitNetwork
	}
	return ExitFailed
}

// rootListingUnreachable reports whether a failed run could not list the
// workspace because the remote was unreachable or throttling.
func rootListingUnreachable(result *capsule.RunResult) bool {
	if result.Succeeded() > 0 {
		return false
	}
	for _, f := range result.Failures {
		if f.NodeID == "" && f.Kind.Retryable() {
			return true
		}
	}
	return false
}
