package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and the HTTP layer.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindForbidden        Kind = "forbidden"
	KindInvalidState     Kind = "invalid_state"
	KindInvalidOperation Kind = "invalid_operation"
	KindBlockchain       Kind = "blockchain"
	KindDependency       Kind = "dependency"
)

// Error is the single error type surfaced by the orchestrators.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "task.fund"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Message returns the text safe to hand back to an API client.
func (e *Error) Message() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Forbidden(op, format string, args ...any) error {
	return &Error{Kind: KindForbidden, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func InvalidState(op, format string, args ...any) error {
	return &Error{Kind: KindInvalidState, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func InvalidOperation(op, format string, args ...any) error {
	return &Error{Kind: KindInvalidOperation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Blockchain wraps a failed or reverted ledger call.
func Blockchain(op string, err error) error {
	return &Error{Kind: KindBlockchain, Op: op, Msg: "ledger call failed", Err: err}
}

// Dependency wraps a data-store or identity-provider failure.
func Dependency(op string, err error) error {
	return &Error{Kind: KindDependency, Op: op, Msg: "dependency failure", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
// Unclassified errors are reported as dependency failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindDependency
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// HTTPStatus maps an error to its response code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindInvalidOperation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidState:
		return http.StatusConflict
	case KindBlockchain:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the client-facing text for err. Dependency failures
// never leak their cause.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	if e.Kind == KindDependency {
		return "internal error"
	}
	return e.Message()
}
