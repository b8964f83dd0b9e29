// Package xerrors defines the fatal-error taxonomy shared by the adapter,
// coordinator, and launcher packages, so a caller can classify a failure with
// errors.Is/errors.As instead of string matching.
package xerrors

import "fmt"

// Kind is one of the fatal error categories.
type Kind string

const (
	KindConfig     Kind = "config"
	KindValidation Kind = "validation"
	KindConnect    Kind = "connect"
	KindProtocol   Kind = "protocol"
	KindTimeout    Kind = "timeout"
	KindBackwards  Kind = "backwards_time"
)

// Error wraps an underlying cause with a Kind and the node it concerns, so a
// launcher's top-level handler can log one line and classify the failure
// without inspecting its message text.
type Error struct {
	Kind   Kind
	NodeID string
	Err    error
}

func (e *Error) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s[%s]: %v", e.Kind, e.NodeID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, &xerrors.Error{Kind: xerrors.KindTimeout}) style
// checks if desired, or more
// simply inspect Kind directly after an errors.As.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newf(kind Kind, nodeID, format string, args ...any) *Error {
	return &Error{Kind: kind, NodeID: nodeID, Err: fmt.Errorf(format, args...)}
}

func wrap(kind Kind, nodeID string, err error) *Error {
	return &Error{Kind: kind, NodeID: nodeID, Err: err}
}

func ConfigErrorf(format string, args ...any) *Error {
	return newf(KindConfig, "", format, args...)
}

func ValidationErrorf(format string, args ...any) *Error {
	return newf(KindValidation, "", format, args...)
}

func ConnectError(nodeID string, err error) *Error {
	return wrap(KindConnect, nodeID, err)
}

func ProtocolError(nodeID string, err error) *Error {
	return wrap(KindProtocol, nodeID, err)
}

func ProtocolErrorf(nodeID, format string, args ...any) *Error {
	return newf(KindProtocol, nodeID, format, args...)
}

func TimeoutError(nodeID string, err error) *Error {
	return wrap(KindTimeout, nodeID, err)
}

func BackwardsTimeErrorf(nodeID string, currentUs, targetUs int64) *Error {
	return newf(KindBackwards, nodeID, "target_time_us %d < current_time_us %d", targetUs, currentUs)
}
