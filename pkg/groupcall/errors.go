package groupcall

import "errors"

// Usage errors: calling an operation from the wrong lifecycle state, or
// looking up something the caller should already know exists. These are
// programmer errors, not runtime conditions, so callers are expected to
// check state before calling rather than handle them.
var (
	ErrWrongLifecycleState = errors.New("groupcall: operation not valid in the current lifecycle state")
	ErrFeedNotFound        = errors.New("groupcall: no feed for that user/device")
	ErrHandlerNotFound     = errors.New("groupcall: no call handler registered for that slot")
	ErrNoOpponent          = errors.New("groupcall: call has no opponent member")
	ErrDisposed            = errors.New("groupcall: local call feed disposed while initializing")
)

// ErrorCode classifies the errors surfaced through the Error event (§6/§7).
type ErrorCode string

const (
	ErrorNoUserMedia       ErrorCode = "no_user_media"
	ErrorUnknownDevice     ErrorCode = "unknown_device"
	ErrorPlaceCallFailed   ErrorCode = "place_call_failed"
	ErrorOtherUserSpeaking ErrorCode = "other_user_speaking"
)

// GroupCallError is the payload of the Error event. Cause may be nil; it is
// populated when the failure has been propagated verbatim from a
// collaborator (e.g. UnknownDevice surfaced from the single-call layer).
type GroupCallError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *GroupCallError) Error() string {
	if e.Cause != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Cause.Error()
	}

	return string(e.Code) + ": " + e.Message
}

func (e *GroupCallError) Unwrap() error {
	return e.Cause
}

func newError(code ErrorCode, message string, cause error) *GroupCallError {
	return &GroupCallError{Code: code, Message: message, Cause: cause}
}
