package common

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound         = fmt.Errorf("download not found")
	ErrArtifactUnavailable = fmt.Errorf("file not found, expired, or download not completed")
	ErrInvalidTransition   = fmt.Errorf("invalid status transition")
)

// Kind classifies a failure so callers can branch without inspecting messages.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindToolUnavailable
	KindProcess
	KindDispatch
	KindNotFound
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindToolUnavailable:
		return "tool_unavailable"
	case KindProcess:
		return "process"
	case KindDispatch:
		return "dispatch"
	case KindNotFound:
		return "not_found"
	case KindStorage:
		return "storage"
	}

	return "unknown"
}

// Error carries a Kind, the operation that failed and a message that is safe
// to show to clients. The wrapped Err is for server-side logs only.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func E(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func Validation(op, msg string) *Error {
	return E(KindValidation, op, msg, nil)
}

func Storage(op string, err error) *Error {
	return E(KindStorage, op, "", err)
}

// KindOf reports the Kind of the first *Error in err's chain. Sentinel
// not-found errors map to KindNotFound.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	if errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrArtifactUnavailable) {
		return KindNotFound
	}

	return KindUnknown
}

// Message returns the client-safe message of err, or fallback.
func Message(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}

	return fallback
}
