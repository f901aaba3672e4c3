// Package fault defines the error kinds surfaced by the generation core.
//
// Every error produced by the device, beam, search and inference packages
// carries one of these kinds so callers can decide how to react without
// matching on message text.
package fault

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies a generation failure.
type Kind int

const (
	// Unknown is returned by KindOf for errors that did not originate here.
	Unknown Kind = iota
	// DeviceError covers device/stream mismatches and allocation failures.
	DeviceError
	// ProtocolViolation means the backend returned output that does not
	// match the stepping contract (shape, dtype, row count).
	ProtocolViolation
	// InvariantViolation means internal bookkeeping went out of range.
	InvariantViolation
	// NumericAnomaly marks a non-finite score. It is recovered locally.
	NumericAnomaly
	// InvalidRequest is a caller error.
	InvalidRequest
)

func (k Kind) String() string {
	switch k {
	case DeviceError:
		return "device_error"
	case ProtocolViolation:
		return "protocol_violation"
	case InvariantViolation:
		return "invariant_violation"
	case NumericAnomaly:
		return "numeric_anomaly"
	case InvalidRequest:
		return "invalid_request"
	default:
		return "unknown"
	}
}

// Fatal reports whether an error of this kind aborts the request.
func (k Kind) Fatal() bool {
	return k != NumericAnomaly
}

// Sentinels usable with errors.Is.
var (
	ErrDevice    = &Error{Kind: DeviceError}
	ErrProtocol  = &Error{Kind: ProtocolViolation}
	ErrInvariant = &Error{Kind: InvariantViolation}
	ErrNumeric   = &Error{Kind: NumericAnomaly}
	ErrInvalid   = &Error{Kind: InvalidRequest}
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work
// with errors.Is regardless of Op and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

func newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: pkgerrors.Errorf(format, args...)}
}

func Device(op, format string, args ...any) error {
	return newf(DeviceError, op, format, args...)
}

func Protocol(op, format string, args ...any) error {
	return newf(ProtocolViolation, op, format, args...)
}

func Invariant(op, format string, args ...any) error {
	return newf(InvariantViolation, op, format, args...)
}

func Numeric(op, format string, args ...any) error {
	return newf(NumericAnomaly, op, format, args...)
}

func Invalid(op, format string, args ...any) error {
	return newf(InvalidRequest, op, format, args...)
}

// Wrap classifies an existing error. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: pkgerrors.WithStack(err)}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// FromPanic converts a recovered panic value into a DeviceError.
func FromPanic(op string, rec any) error {
	if recErr, ok := rec.(error); ok {
		return &Error{Kind: DeviceError, Op: op, Err: pkgerrors.Wrap(recErr, "execution failed")}
	}
	return &Error{Kind: DeviceError, Op: op, Err: pkgerrors.Errorf("execution failed: %v", rec)}
}

// StackTrace returns the formatted stack captured when err was created, or
// an empty string when none was recorded.
func StackTrace(err error) string {
	type stackTracer interface {
		StackTrace() pkgerrors.StackTrace
	}
	for err != nil {
		if st, ok := err.(stackTracer); ok {
			return fmt.Sprintf("%+v", st.StackTrace())
		}
		err = errors.Unwrap(err)
	}
	return ""
}
