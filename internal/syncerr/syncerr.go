// Package syncerr classifies failures raised while talking to the remote
// workspace or writing the local mirror.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind is the classification of a failure.
type Kind int

const (
	Unknown Kind = iota
	Configuration
	Authentication
	RateLimited
	Transient
	NotFound
	PermissionDenied
	Malformed
	Write
	Cancelled
)

var kindNames = map[Kind]string{
	Unknown:          "unknown",
	Configuration:    "configuration",
	Authentication:   "authentication",
	RateLimited:      "rate_limited",
	Transient:        "transient",
	NotFound:         "not_found",
	PermissionDenied: "permission_denied",
	Malformed:        "malformed_response",
	Write:            "write",
	Cancelled:        "cancelled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String. Unrecognized names are Unknown.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return Unknown
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	*k = ParseKind(string(b))
	return nil
}

// Retryable reports whether a failure of this kind may succeed if repeated.
func (k Kind) Retryable() bool {
	return k == RateLimited || k == Transient
}

// Fatal reports whether a failure of this kind invalidates the whole run
// rather than a single node.
func (k Kind) Fatal() bool {
	return k == Configuration || k == Authentication || k == Cancelled
}

// Error is a classified failure. Op names the operation that failed
// (e.g. "get page"); NodeID is set when the failure concerns one node.
type Error struct {
	Kind       Kind
	Op         string
	NodeID     string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.NodeID != "" {
		msg += " " + e.NodeID
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		if msg == "" {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %s: %v", msg, e.Kind, e.Err)
	}
	if msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", msg, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error with a plain message.
func New(kind Kind, op string, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Wrap classifies err. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err. Context cancellation and
// deadline errors are Cancelled, network timeouts are Transient, and
// anything unclassified is Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Transient
	}
	return Unknown
}

// RetryAfterOf returns the server-provided retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var se *Error
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// IsRetryable reports whether err is classified as retryable.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// WithNode annotates err with a node id, preserving its classification.
func WithNode(err error, nodeID string) error {
	if err == nil {
		return nil
	}
	if se, ok := err.(*Error); ok && se.NodeID == "" {
		cp := *se
		cp.NodeID = nodeID
		return &cp
	}
	return err
}
