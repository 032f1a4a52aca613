package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions callers branch on with errors.Is.
// Configuration problems are not represented here: they surface
// through config.Validate at startup and are the only fatal class.
var (
	// ErrAuthFailed means an inbound event failed signature or
	// credential verification. The event is rejected, never dispatched.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrDuplicateEvent means an inbound event's dedup key was seen
	// recently. The delivery is acknowledged but not dispatched.
	ErrDuplicateEvent = errors.New("duplicate event")
)

// PolicyDeniedError is returned when the sandbox policy rejects a
// proposed action. It is informational, not fatal: the dispatcher
// turns it into a user-visible notice.
type PolicyDeniedError struct {
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	return "action denied by policy: " + e.Reason
}

// EngineError is returned when the reasoning engine subprocess fails
// or produces unusable output. It surfaces to the user as an error
// chunk in the reply stream, never as a crash.
type EngineError struct {
	Engine  string
	Message string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s: %s", e.Engine, e.Message)
}

// DeliveryError is returned when an outbound update could not be
// delivered through a channel. The stream is abandoned; the session
// keeps whatever was recorded before the failure.
type DeliveryError struct {
	Channel ChannelKind
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery via %s failed: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
