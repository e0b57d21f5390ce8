package capsule

// Action is what the mirror must do with a node.
type Action int

const (
	// ActionSkip leaves the node's output untouched.
	ActionSkip Action = iota
	// ActionRefresh fetches, renders and rewrites the node.
	ActionRefresh
	// ActionVerify fetches and renders the node, then compares the result
	// against the stored hash before deciding between skip and refresh.
	ActionVerify
	// ActionTouch skips the write but advances the stored timestamp.
	ActionTouch
)

func (a Action) String() string {
	switch a {
	case ActionSkip:
		return "skip"
	case ActionRefresh:
		return "refresh"
	case ActionVerify:
		return "verify"
	case ActionTouch:
		return "touch"
	default:
		return "unknown"
	}
}

// Decision is the outcome of change detection for one node.
type Decision struct {
	Action Action
	Reason string
}

// ChangeDetector decides per node whether its output must be rewritten.
// The remote timestamp is checked first because it is free; the content
// hash is consulted only when the timestamp moved.
type ChangeDetector struct{}

// Decide makes the cheap decision from listing metadata alone. It returns
// ActionVerify when the timestamp differs from the stored one; the caller
// then fetches and renders the node and calls Confirm.
func (ChangeDetector) Decide(node Node, prev *Fingerprint, full bool) Decision {
	switch {
	case prev == nil:
		return Decision{Action: ActionRefresh, Reason: "first sync"}
	case full:
		return Decision{Action: ActionRefresh, Reason: "full resync"}
	case node.LastEdited.Equal(prev.LastEdited):
		return Decision{Action: ActionSkip, Reason: "timestamp unchanged"}
	default:
		return Decision{Action: ActionVerify, Reason: "timestamp changed"}
	}
}

// Confirm settles an ActionVerify decision using the hash of freshly
// rendered content.
func (ChangeDetector) Confirm(prev *Fingerprint, contentHash string) Decision {
	if prev != nil && prev.ContentHash == contentHash {
		return Decision{Action: ActionTouch, Reason: "content unchanged"}
	}
	return Decision{Action: ActionRefresh, Reason: "content changed"}
}
