package errors

import (
	sterrors "errors"
	"fmt"
	"strings"
)

var (
	ErrConfigRequired       = sterrors.New("buslink: configuration is required")
	ErrLoggerRequired       = sterrors.New("buslink: logger is required")
	ErrConnectionRequired   = sterrors.New("buslink: connection is required")
	ErrHandlerRequired      = sterrors.New("buslink: handler function is required")
	ErrTopicRequired        = sterrors.New("buslink: topic is required")
	ErrSubscriptionRequired = sterrors.New("buslink: subscription is required")
	ErrNoCredentials        = sterrors.New("buslink: no credential strategy is configured")
	ErrInvalidMessageType   = sterrors.New("buslink: message type must be one of event, analysis, metric")
	ErrTitleRequired        = sterrors.New("buslink: title is required")
	ErrContentRequired      = sterrors.New("buslink: content is required")
	ErrInvalidSender        = sterrors.New("buslink: sender metadata must be a string")
	ErrSessionBusy          = sterrors.New("buslink: receiver already has an active poll")
	ErrCircuitOpen          = sterrors.New("buslink: delivery circuit is open")
	ErrClientClosed         = sterrors.New("buslink: client is closed")
	ErrNotSupported         = sterrors.New("buslink: operation not supported by transport")
)

// AuthError reports that no credential strategy produced a connection. It is
// fatal: callers should abort rather than retry.
type AuthError struct {
	// Attempted lists the strategies tried, in order.
	Attempted []string
	Err       error
}

func (e *AuthError) Error() string {
	if len(e.Attempted) == 0 {
		return fmt.Sprintf("buslink: authentication failed: %v", e.Err)
	}
	return fmt.Sprintf("buslink: authentication failed (tried %s): %v", strings.Join(e.Attempted, ", "), e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ValidationError rejects a single envelope the caller can fix.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("buslink: invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// DeliveryError reports a send that did not reach the broker. Transient is
// true when the retry budget ran out on retryable failures.
type DeliveryError struct {
	MessageID string
	Topic     string
	Attempts  int
	Transient bool
	Err       error
}

func (e *DeliveryError) Error() string {
	kind := "failed"
	if e.Transient {
		kind = "gave up"
	}
	return fmt.Sprintf("buslink: delivery of %s to %s %s after %d attempt(s): %v", e.MessageID, e.Topic, kind, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// DecodeError describes why a payload could not be parsed. It is scoped to
// one message and never aborts a batch.
type DecodeError struct {
	MessageID string
	Err       error
}

func (e *DecodeError) Error() string {
	if e.MessageID == "" {
		return fmt.Sprintf("buslink: decode message: %v", e.Err)
	}
	return fmt.Sprintf("buslink: decode message %s: %v", e.MessageID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ConfigValidationError collects every problem found in a configuration.
type ConfigValidationError struct {
	Problems []error
}

func (e *ConfigValidationError) Error() string {
	return "buslink: invalid configuration: " + sterrors.Join(e.Problems...).Error()
}

func (e *ConfigValidationError) Unwrap() []error { return e.Problems }
