package receive

import (
	"time"

	"github.com/drblury/buslink/internal/runtime/envelope"
)

// Job describes one delivery passing through a Receiver.
type Job struct {
	Topic         string
	Subscription  string
	SessionID     string
	MessageID     string
	DeliveryCount int
	EnqueuedAt    time.Time
	Envelope      envelope.Envelope
	StartedAt     time.Time
	// Duration is set for OnDone, OnError and OnSettled.
	Duration time.Duration
}

// Hooks are optional callbacks around handler execution. They run on the
// polling goroutine and must not block.
type Hooks struct {
	OnStart   func(job Job)
	OnDone    func(job Job)
	OnError   func(job Job, err error)
	OnSettled func(job Job, action Action, err error)
}

// Merge returns hooks that call h first and then other.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnStart:   chain(h.OnStart, other.OnStart),
		OnDone:    chain(h.OnDone, other.OnDone),
		OnError:   chain2(h.OnError, other.OnError),
		OnSettled: chain3(h.OnSettled, other.OnSettled),
	}
}

func chain(a, b func(Job)) func(Job) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(j Job) {
		a(j)
		b(j)
	}
}

func chain2(a, b func(Job, error)) func(Job, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(j Job, err error) {
		a(j, err)
		b(j, err)
	}
}

func chain3(a, b func(Job, Action, error)) func(Job, Action, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(j Job, action Action, err error) {
		a(j, action, err)
		b(j, action, err)
	}
}
