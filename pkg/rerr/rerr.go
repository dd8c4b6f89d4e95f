// Package rerr defines the error taxonomy shared across the pipeline.
// Every fatal error carries a Kind so callers can use
// errors.Is/errors.As instead of matching strings, plus enough context to
// resume or compensate manually.
package rerr

import (
	"errors"
	"fmt"
)

// Kind identifies an error category from the fixed taxonomy below.
type Kind string

const (
	KindValidation        Kind = "ValidationError"
	KindInvalidState      Kind = "InvalidState"
	KindInvalidTransition Kind = "InvalidTransition"
	KindSignatureMismatch Kind = "SignatureMismatch"
	KindStalePlan         Kind = "StalePlan"
	KindPathEscape        Kind = "PathEscape"
	KindSourceMismatch    Kind = "SourceMismatch"
	KindCollision         Kind = "Collision"
	KindPartialComplete   Kind = "PartialComplete"
	KindProviderFailure   Kind = "ProviderFailure"
	KindSchemaTooNew      Kind = "SchemaTooNew"
	KindSchemaMissing     Kind = "SchemaMissing"
	KindStoreLocked       Kind = "StoreLocked"
	KindAlignmentFailed   Kind = "AlignmentFailed"
)

// Error is a structured, user-facing failure: kind, affected identifiers and
// paths, and a suggested remediation.
type Error struct {
	Kind        Kind
	DirID       string
	Paths       []string
	Remediation string
	Err         error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.DirID != "" {
		msg += fmt.Sprintf(" dir_id=%s", e.DirID)
	}
	if len(e.Paths) > 0 {
		msg += fmt.Sprintf(" paths=%v", e.Paths)
	}
	if e.Remediation != "" {
		msg += " remediation=" + e.Remediation
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is(err, rerr.Kind) style matching via a sentinel kind
// wrapper — see Of.
func (e *Error) Is(target error) bool {
	var k *kindSentinel
	if errors.As(target, &k) {
		return e.Kind == k.kind
	}
	return false
}

type kindSentinel struct{ kind Kind }

func (k *kindSentinel) Error() string { return string(k.kind) }

// Of returns a sentinel error usable with errors.Is(err, rerr.Of(KindX)) to
// test the kind of an *Error without caring about its other fields.
func Of(k Kind) error { return &kindSentinel{kind: k} }

// New constructs an *Error.
func New(kind Kind, dirID string, paths []string, remediation string, err error) *Error {
	return &Error{Kind: kind, DirID: dirID, Paths: paths, Remediation: remediation, Err: err}
}
