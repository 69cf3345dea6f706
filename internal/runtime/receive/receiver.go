// Package receive pulls deliveries from a subscription, hands them to a
// handler and settles each one only after the handler has returned.
package receive

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/buslink/internal/runtime/config"
	"github.com/drblury/buslink/internal/runtime/envelope"
	buserrors "github.com/drblury/buslink/internal/runtime/errors"
	"github.com/drblury/buslink/internal/runtime/ids"
	"github.com/drblury/buslink/internal/runtime/logging"
	"github.com/drblury/buslink/internal/runtime/metrics"
	"github.com/drblury/buslink/transport"
)

const tracerName = "github.com/drblury/buslink/receive"

// followPause is the wait before polling again after a transient failure
// in Follow.
var followPause = time.Second

// followUpLinger bounds each Receive after a short batch.
var followUpLinger = 50 * time.Millisecond

// Handler processes one delivery. The envelope is the decoded body; for an
// undecodable body it is an envelope.Unknown wrapping the raw payload.
// Return nil or ErrSkip to complete the delivery, ErrDeadLetter or a
// *DeadLetterError to dead-letter it, and any other error to have it
// redelivered.
type Handler func(ctx context.Context, env envelope.Envelope, d transport.Delivery) error

// Options bound one Process call.
type Options struct {
	MaxCount int
	Wait     time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxCount <= 0 {
		o.MaxCount = config.DefaultReceiveMaxCount
	}
	if o.Wait <= 0 {
		o.Wait = config.DefaultReceiveWait
	}
	return o
}

// Config identifies the subscription and its settle policy.
type Config struct {
	Topic        string
	Subscription string

	// MaxDeliveryCount is the number of failed deliveries after which a
	// message is dead-lettered instead of redelivered.
	MaxDeliveryCount int

	// SettleTimeout bounds each complete, abandon or dead-letter call.
	SettleTimeout time.Duration
}

// Dependencies are optional collaborators of a Receiver.
type Dependencies struct {
	Codec   *envelope.Codec
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
	Hooks   Hooks
}

// Report summarises one Process call.
type Report struct {
	Envelopes    []envelope.Envelope
	Completed    int
	Abandoned    int
	DeadLettered int
	DecodeErrors []error
	Failures     []error
	SettleErrors []error
}

// Empty reports whether nothing was received.
func (r Report) Empty() bool {
	return len(r.Envelopes) == 0
}

// Add accumulates other into r.
func (r *Report) Add(other Report) {
	r.Envelopes = append(r.Envelopes, other.Envelopes...)
	r.Completed += other.Completed
	r.Abandoned += other.Abandoned
	r.DeadLettered += other.DeadLettered
	r.DecodeErrors = append(r.DecodeErrors, other.DecodeErrors...)
	r.Failures = append(r.Failures, other.Failures...)
	r.SettleErrors = append(r.SettleErrors, other.SettleErrors...)
}

// Receiver is one session against a subscription. It allows a single
// active poll at a time; run separate Receivers for parallel consumers.
type Receiver struct {
	conn             transport.Receiver
	topic            string
	subscription     string
	maxDeliveryCount int
	settleTimeout    time.Duration

	codec   *envelope.Codec
	logger  logging.ServiceLogger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	hooks   Hooks

	sessionID string
	busy      atomic.Bool
}

// NewReceiver binds conn to a subscription. The connection is borrowed;
// the Receiver never closes it.
func NewReceiver(conn transport.Receiver, cfg Config, log logging.ServiceLogger, deps Dependencies) (*Receiver, error) {
	if conn == nil {
		return nil, buserrors.ErrConnectionRequired
	}
	if cfg.Topic == "" {
		return nil, buserrors.ErrTopicRequired
	}
	if cfg.Subscription == "" {
		return nil, buserrors.ErrSubscriptionRequired
	}
	if cfg.MaxDeliveryCount <= 0 {
		cfg.MaxDeliveryCount = config.DefaultMaxDeliveryCount
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = config.DefaultSettleTimeout
	}
	if log == nil {
		log = logging.Nop()
	}
	codec := deps.Codec
	if codec == nil {
		codec = &envelope.Codec{}
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	sessionID := ids.NewSessionID()
	return &Receiver{
		conn:             conn,
		topic:            cfg.Topic,
		subscription:     cfg.Subscription,
		maxDeliveryCount: cfg.MaxDeliveryCount,
		settleTimeout:    cfg.SettleTimeout,
		codec:            codec,
		logger: log.With(logging.LogFields{
			"topic":        cfg.Topic,
			"subscription": cfg.Subscription,
			"session_id":   sessionID,
		}),
		metrics:   deps.Metrics,
		tracer:    tracer,
		hooks:     deps.Hooks,
		sessionID: sessionID,
	}, nil
}

// SessionID identifies this Receiver in logs.
func (r *Receiver) SessionID() string {
	return r.sessionID
}

// Poll returns a lazy sequence of up to maxCount deliveries. The broker is
// only asked for more as the sequence is consumed, and the sequence ends
// once wait has elapsed (zero means no limit beyond ctx). Running out of
// time is not an error; a cancelled ctx, a transport failure or a second
// concurrent poll is yielded as an error and ends the sequence.
//
// After a short batch Poll asks again, waiting at most followUpLinger, and
// stops on the first empty answer.
//
// Deliveries are yielded unsettled. When the consumer stops early the
// rest of the fetched batch is abandoned.
func (r *Receiver) Poll(ctx context.Context, maxCount int, wait time.Duration) iter.Seq2[transport.Delivery, error] {
	return func(yield func(transport.Delivery, error) bool) {
		if !r.busy.CompareAndSwap(false, true) {
			yield(transport.Delivery{}, buserrors.ErrSessionBusy)
			return
		}
		defer r.busy.Store(false)

		if maxCount <= 0 {
			return
		}
		pollCtx := ctx
		if wait > 0 {
			var cancel context.CancelFunc
			pollCtx, cancel = context.WithTimeout(ctx, wait)
			defer cancel()
		}

		remaining := maxCount
		linger := false
		for remaining > 0 {
			if pollCtx.Err() != nil {
				if err := ctx.Err(); errors.Is(err, context.Canceled) {
					yield(transport.Delivery{}, err)
				}
				return
			}

			recvCtx, cancel := pollCtx, context.CancelFunc(func() {})
			if linger {
				recvCtx, cancel = context.WithTimeout(pollCtx, followUpLinger)
			}
			batch, err := r.conn.Receive(recvCtx, r.topic, r.subscription, remaining)
			cancel()
			if err != nil {
				if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
					return
				}
				yield(transport.Delivery{}, err)
				return
			}
			if len(batch) == 0 {
				return
			}
			// Some brokers hold back the next message until the current one
			// is settled, so a short batch does not mean the backlog is empty.
			linger = len(batch) < remaining
			for i, d := range batch {
				remaining--
				if !yield(d, nil) {
					r.release(ctx, batch[i+1:])
					return
				}
			}
		}
	}
}

func (r *Receiver) release(ctx context.Context, rest []transport.Delivery) {
	for _, d := range rest {
		if err := r.settle(ctx, d, ActionAbandon, ""); err != nil {
			r.logger.Error("Could not release unconsumed delivery", err, logging.LogFields{"message_id": d.ID})
		}
	}
}

// Process polls once and runs handler on every delivery, settling each one
// according to the handler's result. Decode failures and handler failures
// are recorded in the report and never stop the batch. The returned error
// is set only when polling failed or ctx was cancelled.
func (r *Receiver) Process(ctx context.Context, opts Options, handler Handler) (Report, error) {
	if handler == nil {
		return Report{}, buserrors.ErrHandlerRequired
	}
	opts = opts.withDefaults()

	var report Report
	for d, err := range r.Poll(ctx, opts.MaxCount, opts.Wait) {
		if err != nil {
			return report, err
		}
		r.handle(ctx, d, handler, &report)
	}
	if err := ctx.Err(); errors.Is(err, context.Canceled) {
		return report, err
	}
	return report, nil
}

// Follow calls Process until ctx is cancelled, passing every non-empty
// report to onBatch. Transient transport failures are logged and retried;
// other failures end the loop.
func (r *Receiver) Follow(ctx context.Context, opts Options, handler Handler, onBatch func(Report)) (Report, error) {
	var total Report
	for {
		report, err := r.Process(ctx, opts, handler)
		total.Add(report)
		if !report.Empty() && onBatch != nil {
			onBatch(report)
		}
		if ctx.Err() != nil {
			return total, nil
		}
		if err != nil {
			if !transport.IsTransient(err) {
				return total, err
			}
			r.logger.Error("Receive failed, polling again", err, logging.LogFields{"pause": followPause.String()})
			select {
			case <-ctx.Done():
				return total, nil
			case <-time.After(followPause):
			}
		}
	}
}

func (r *Receiver) handle(ctx context.Context, d transport.Delivery, handler Handler, report *Report) {
	ctx, span := r.tracer.Start(ctx, "buslink.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", r.topic),
			attribute.String("messaging.consumer.group.name", r.subscription),
			attribute.String("messaging.message.id", d.ID),
			attribute.Int("messaging.delivery_count", d.DeliveryCount),
		),
	)
	defer span.End()

	log := r.logger.With(logging.LogFields{"message_id": d.ID, "delivery_count": d.DeliveryCount})
	env, decodeErr := r.codec.DecodeDelivery(d)
	if decodeErr != nil {
		report.DecodeErrors = append(report.DecodeErrors, decodeErr)
		r.metrics.RecordReceive(r.topic, r.subscription, metrics.OutcomeDecodeError, 0)
		log.Error("Could not decode message body", decodeErr, nil)
	}
	report.Envelopes = append(report.Envelopes, env)

	job := Job{
		Topic:         r.topic,
		Subscription:  r.subscription,
		SessionID:     r.sessionID,
		MessageID:     d.ID,
		DeliveryCount: d.DeliveryCount,
		EnqueuedAt:    d.EnqueuedAt,
		Envelope:      env,
		StartedAt:     time.Now(),
	}

	var handlerErr error
	if err := ctx.Err(); err != nil {
		// Never ran; hand it back untouched.
		handlerErr = err
	} else {
		if r.hooks.OnStart != nil {
			r.hooks.OnStart(job)
		}
		handlerErr = invoke(ctx, handler, env, d)
		job.Duration = time.Since(job.StartedAt)
		if handlerErr == nil || errors.Is(handlerErr, ErrSkip) {
			if r.hooks.OnDone != nil {
				r.hooks.OnDone(job)
			}
		} else if r.hooks.OnError != nil {
			r.hooks.OnError(job, handlerErr)
		}
	}

	action, reason := Classify(handlerErr, d.DeliveryCount, r.maxDeliveryCount)
	if interrupted(ctx, handlerErr) {
		action, reason = ActionAbandon, ""
	}
	if handlerErr != nil && !errors.Is(handlerErr, ErrSkip) {
		report.Failures = append(report.Failures, fmt.Errorf("message %s: %w", d.ID, handlerErr))
		span.RecordError(handlerErr)
		span.SetStatus(codes.Error, handlerErr.Error())
		log.Debug("Handler failed", logging.LogFields{"error": handlerErr.Error(), "action": action.String()})
	}

	settleErr := r.settle(ctx, d, action, reason)
	job.Duration = time.Since(job.StartedAt)
	if r.hooks.OnSettled != nil {
		r.hooks.OnSettled(job, action, settleErr)
	}
	if settleErr != nil {
		report.SettleErrors = append(report.SettleErrors, fmt.Errorf("message %s: %s: %w", d.ID, action, settleErr))
		r.metrics.RecordReceive(r.topic, r.subscription, metrics.OutcomeSettleFailed, d.DeliveryCount)
		log.Error("Could not settle message", settleErr, logging.LogFields{"action": action.String()})
		return
	}

	switch action {
	case ActionComplete:
		report.Completed++
		r.metrics.RecordReceive(r.topic, r.subscription, metrics.OutcomeCompleted, d.DeliveryCount)
	case ActionAbandon:
		report.Abandoned++
		r.metrics.RecordReceive(r.topic, r.subscription, metrics.OutcomeAbandoned, d.DeliveryCount)
	case ActionDeadLetter:
		report.DeadLettered++
		r.metrics.RecordReceive(r.topic, r.subscription, metrics.OutcomeDeadLettered, d.DeliveryCount)
		log.Info("Message dead-lettered", logging.LogFields{"reason": reason})
	}
}

// interrupted reports whether err stems from the caller giving up rather
// than from the message. Such deliveries are abandoned regardless of their
// delivery count.
func interrupted(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	ctxErr := ctx.Err()
	return ctxErr != nil && errors.Is(err, ctxErr)
}

// invoke runs handler, turning a panic into an error.
func invoke(ctx context.Context, handler Handler, env envelope.Envelope, d transport.Delivery) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return handler(ctx, env, d)
}

// settle runs detached from caller cancellation so that a handled message
// is still settled when ctx ends mid-batch.
func (r *Receiver) settle(ctx context.Context, d transport.Delivery, action Action, reason string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.settleTimeout)
	defer cancel()

	switch action {
	case ActionComplete:
		return r.conn.Complete(ctx, d)
	case ActionDeadLetter:
		return r.conn.DeadLetter(ctx, d, reason)
	default:
		return r.conn.Abandon(ctx, d)
	}
}
