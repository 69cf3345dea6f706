package transport

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("buslink: transport is closed")

	// ErrUnauthorized marks broker rejections caused by credentials or
	// permissions. It is never transient.
	ErrUnauthorized = errors.New("buslink: unauthorized")

	// ErrStrategyUnsupported is returned by an Opener that cannot use the
	// requested credential strategy.
	ErrStrategyUnsupported = errors.New("buslink: credential strategy not supported by transport")

	// ErrLockLost is returned when settling a delivery whose lock expired or
	// was already settled.
	ErrLockLost = errors.New("buslink: delivery lock lost")

	// ErrUnknownDelivery is returned when a Delivery was not produced by the
	// connection settling it.
	ErrUnknownDelivery = errors.New("buslink: delivery does not belong to this connection")
)

// TransientError marks a failure that may succeed when retried, such as a
// timeout, throttling or a dropped connection.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError. It returns nil for a nil error.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Err: err}
}

// Unauthorized joins err with ErrUnauthorized so errors.Is matches both.
func Unauthorized(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnauthorized) {
		return err
	}
	return errors.Join(ErrUnauthorized, err)
}

// IsTransient reports whether err is worth retrying. Authorization failures
// and caller cancellation are never transient; explicitly marked errors,
// deadlines, network timeouts and failed dials are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"

}
