package receive

import (
	"context"
	"errors"
	"sync"

	"github.com/drblury/buslink/transport"
)

type settlement struct {
	ID      string
	Action  Action
	Reason  string
	Count   int
	CtxDone bool
}

// fakeConn is an in-memory subscription with peek-lock semantics.
type fakeConn struct {
	mu           sync.Mutex
	queue        []transport.Delivery
	settled      []settlement
	receiveCalls int
	receiveErr   error
	notify       chan struct{}
}

func newFakeConn(bodies ...string) *fakeConn {
	f := &fakeConn{notify: make(chan struct{}, 1)}
	for i, body := range bodies {
		f.queue = append(f.queue, transport.Delivery{
			Message:       transport.Message{ID: string(rune('a' + i)), Body: []byte(body)},
			DeliveryCount: 1,
		})
	}
	return f
}

func (f *fakeConn) Receive(ctx context.Context, topic, subscription string, maxCount int) ([]transport.Delivery, error) {
	for {
		f.mu.Lock()
		f.receiveCalls++
		if f.receiveErr != nil {
			err := f.receiveErr
			f.mu.Unlock()
			return nil, err
		}
		if len(f.queue) > 0 {
			n := min(maxCount, len(f.queue))
			batch := append([]transport.Delivery(nil), f.queue[:n]...)
			f.queue = f.queue[n:]
			f.mu.Unlock()
			return batch, nil
		}
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, nil
			}
			return nil, ctx.Err()
		case <-f.notify:
		}
	}
}

func (f *fakeConn) record(ctx context.Context, d transport.Delivery, action Action, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled = append(f.settled, settlement{ID: d.ID, Action: action, Reason: reason, Count: d.DeliveryCount, CtxDone: ctx.Err() != nil})
}

func (f *fakeConn) Complete(ctx context.Context, d transport.Delivery) error {
	f.record(ctx, d, ActionComplete, "")
	return nil
}

func (f *fakeConn) Abandon(ctx context.Context, d transport.Delivery) error {
	f.record(ctx, d, ActionAbandon, "")
	f.mu.Lock()
	d.DeliveryCount++
	f.queue = append(f.queue, d)
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeConn) DeadLetter(ctx context.Context, d transport.Delivery, reason string) error {
	f.record(ctx, d, ActionDeadLetter, reason)
	return nil
}

func (f *fakeConn) settlements() []settlement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]settlement(nil), f.settled...)
}

func (f *fakeConn) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receiveCalls
}
