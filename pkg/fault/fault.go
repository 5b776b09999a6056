// Package fault defines the closed set of error kinds the deliberation core
// propagates to its public boundary.
//
// Kinds are first-class values. Halted and IntegrityFailure are terminal:
// they must never be recovered locally and surface unchanged at the boundary.
// StaleChain is the only retryable kind, and only while not halted.
package fault

import (
	"errors"
	"fmt"
)

// Kind identifies a boundary error class.
type Kind string

const (
	// KindHalted marks any operation attempted while the target chain (or the
	// whole core) is halted. Fatal to the operation; never swallowed.
	KindHalted Kind = "HALTED"
	// KindStaleChain marks an optimistic-concurrency miss on the chain tip.
	// The caller may re-read, re-form, and retry — but only outside halt.
	KindStaleChain Kind = "STALE_CHAIN"
	// KindIdentityConflict marks a write under a lease held elsewhere or a
	// fenced-out epoch. The caller must re-acquire before retrying.
	KindIdentityConflict Kind = "IDENTITY_CONFLICT"
	// KindIntegrityFailure marks a hash, signature, or fork violation.
	// Declares halt on the affected chain; fatal.
	KindIntegrityFailure Kind = "INTEGRITY_FAILURE"
	// KindSchemaViolation marks an event body that failed kind-schema
	// validation. Nothing is written; not halt-inducing unless recurrent.
	KindSchemaViolation Kind = "SCHEMA_VIOLATION"
	// KindQuorumUnmet marks a tally attempted without quorum. The tally is
	// not written; a breach event is.
	KindQuorumUnmet Kind = "QUORUM_UNMET"
	// KindTimeRegression marks a non-monotone timestamp. Caller error, no
	// halt, nothing written.
	KindTimeRegression Kind = "TIME_REGRESSION"
)

// Retryable reports whether an operation failing with this kind may be
// retried after the caller resolves the stated cause.
func (k Kind) Retryable() bool { return k == KindStaleChain }

// Terminal reports whether the kind must surface unchanged at the boundary.
func (k Kind) Terminal() bool { return k == KindHalted || k == KindIntegrityFailure }

// Error is the boundary error carried by every core failure.
type Error struct {
	Kind    Kind
	ActorID string // chain the failure concerns, if any
	Op      string // operation that failed, e.g. "ledger.append"
	Detail  string
	Wrapped error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Op)
	if e.ActorID != "" {
		msg += " actor=" + e.ActorID
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is lets errors.Is match against the kind sentinels below.
func (e *Error) Is(target error) bool {
	s, ok := target.(*Error)
	if !ok {
		return false
	}
	return s.Kind == e.Kind && s.Op == "" && s.ActorID == "" && s.Detail == ""
}

// Kind sentinels for errors.Is checks.
var (
	Halted           = &Error{Kind: KindHalted}
	StaleChain       = &Error{Kind: KindStaleChain}
	IdentityConflict = &Error{Kind: KindIdentityConflict}
	IntegrityFailure = &Error{Kind: KindIntegrityFailure}
	SchemaViolation  = &Error{Kind: KindSchemaViolation}
	QuorumUnmet      = &Error{Kind: KindQuorumUnmet}
	TimeRegression   = &Error{Kind: KindTimeRegression}
)

// New builds a boundary error of the given kind.
func New(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// Newf builds a boundary error with a formatted detail.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// ForActor builds a boundary error bound to an identity chain.
func ForActor(kind Kind, op, actorID, detail string) *Error {
	return &Error{Kind: kind, Op: op, ActorID: actorID, Detail: detail}
}

// Wrap attaches an underlying cause to a boundary error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Wrapped: err}
}

// KindOf extracts the boundary kind from err, or "" if err is not a core
// boundary error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsHalted reports whether err carries the halted kind anywhere in its chain.
func IsHalted(err error) bool { return KindOf(err) == KindHalted }

// ExitCode maps a boundary error to the operator CLI exit code contract:
// 0 success, 2 halted, 3 stale chain, 4 identity conflict, 5 integrity
// failure, 1 anything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindHalted:
		return 2
	case KindStaleChain:
		return 3
	case KindIdentityConflict:
		return 4
	case KindIntegrityFailure:
		return 5
	default:
		return 1
	}
}
