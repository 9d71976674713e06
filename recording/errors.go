package recording

import (
	"errors"
	"fmt"
)

// Kind classifies failures surfaced at the service boundary. Kinds are never collapsed:
// a client can always tell a missing file from a malformed one.
type Kind int

const (
	KindUnknown Kind = iota
	KindFileNotFound
	KindMalformedRecording
	KindTooManyOpenFiles
	KindReadError
	KindAlreadyOpen
	KindAllocationFailure
	KindInvalidParameters
)

func (k Kind) String() string {
	switch k {
	case KindFileNotFound:
		return "file_not_found"
	case KindMalformedRecording:
		return "malformed_recording"
	case KindTooManyOpenFiles:
		return "too_many_open_files"
	case KindReadError:
		return "read_error"
	case KindAlreadyOpen:
		return "already_open"
	case KindAllocationFailure:
		return "allocation_failure"
	case KindInvalidParameters:
		return "invalid_parameters"
	default:
		return "unknown"
	}
}

// Error is the typed error carried across the core.
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "open", "read"
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Path == "" && t.Err == nil
}

var (
	ErrFileNotFound       = &Error{Kind: KindFileNotFound}
	ErrMalformedRecording = &Error{Kind: KindMalformedRecording}
	ErrTooManyOpenFiles   = &Error{Kind: KindTooManyOpenFiles}
	ErrReadError          = &Error{Kind: KindReadError}
	ErrAlreadyOpen        = &Error{Kind: KindAlreadyOpen}
	ErrAllocationFailure  = &Error{Kind: KindAllocationFailure}
	ErrInvalidParameters  = &Error{Kind: KindInvalidParameters}
)

// NewError builds an *Error wrapping cause.
func NewError(kind Kind, op, path string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: cause}
}

// Errorf builds an *Error whose cause is a formatted message.
func Errorf(kind Kind, op, path, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the Kind of err. Errors that carry no *Error are KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}
