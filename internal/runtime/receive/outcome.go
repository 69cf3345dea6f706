package receive

import (
	"errors"
	"fmt"
)

// Handler outcomes. Any other non-nil error is a retryable failure.
var (
	// ErrSkip completes the message without treating it as processed.
	// Use it for messages that are intentionally ignored, such as duplicates.
	ErrSkip = errors.New("buslink: skip message")

	// ErrDeadLetter moves the message to the dead-letter path without
	// further delivery attempts.
	ErrDeadLetter = errors.New("buslink: dead-letter message")

	// ErrUnprocessable marks a message that can never be processed. It is
	// dead-lettered like ErrDeadLetter.
	ErrUnprocessable = errors.New("buslink: unprocessable message")
)

// DeadLetterError dead-letters a message with a reason that is stored
// alongside it.
type DeadLetterError struct {
	Reason string
	Cause  error
}

// DeadLetter returns a *DeadLetterError.
//
//	return receive.DeadLetter("unsupported schema version", nil)
func DeadLetter(reason string, cause error) *DeadLetterError {
	return &DeadLetterError{Reason: reason, Cause: cause}
}

func (e *DeadLetterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("buslink: dead letter (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("buslink: dead letter (%s)", e.Reason)
}

func (e *DeadLetterError) Unwrap() error {
	return e.Cause
}

// Is matches ErrDeadLetter.
func (e *DeadLetterError) Is(target error) bool {
	return target == ErrDeadLetter
}

// Action is how a delivery gets settled.
type Action int

const (
	ActionComplete Action = iota
	ActionAbandon
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionComplete:
		return "complete"
	case ActionAbandon:
		return "abandon"
	case ActionDeadLetter:
		return "dead-letter"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Classify maps a handler error onto a settle action and a dead-letter
// reason. deliveryCount and maxDeliveryCount decide when a retryable
// failure has used up its budget.
func Classify(err error, deliveryCount, maxDeliveryCount int) (Action, string) {
	if err == nil || errors.Is(err, ErrSkip) {
		return ActionComplete, ""
	}

	var dl *DeadLetterError
	if errors.As(err, &dl) {
		return ActionDeadLetter, dl.Reason
	}
	if errors.Is(err, ErrDeadLetter) || errors.Is(err, ErrUnprocessable) {
		return ActionDeadLetter, err.Error()
	}

	if maxDeliveryCount > 0 && deliveryCount >= maxDeliveryCount {
		return ActionDeadLetter, fmt.Sprintf("max delivery count %d reached: %v", maxDeliveryCount, err)
	}
	return ActionAbandon, ""
}
