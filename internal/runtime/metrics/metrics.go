// Package metrics holds the Prometheus collectors shared by the send and
// receive paths. A nil *Metrics records nothing.
package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "buslink"

// Send outcomes.
const (
	OutcomeSent   = "sent"
	OutcomeFailed = "failed"
	OutcomeGaveUp = "gave_up"
)

// Receive outcomes.
const (
	OutcomeCompleted    = "completed"
	OutcomeAbandoned    = "abandoned"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeDecodeError  = "decode_error"
	OutcomeSettleFailed = "settle_failed"
)

// Metrics groups the collectors.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	sendTotal       *prometheus.CounterVec
	sendAttempts    *prometheus.HistogramVec
	receiveTotal    *prometheus.CounterVec
	deadLetterTotal *prometheus.CounterVec
	deliveryCount   *prometheus.HistogramVec
	replayedTotal   *prometheus.CounterVec
	purgedTotal     *prometheus.CounterVec
}

func newCounterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
}

func newHistogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

// New creates the collectors. Call Register to expose them on registerer;
// a nil registerer means prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:      registerer,
		sendTotal:       newCounterVec("send_total", "Sends by final outcome.", "topic", "outcome"),
		sendAttempts:    newHistogramVec("send_attempts", "Attempts needed per send.", []float64{1, 2, 3, 4, 5, 8, 13}, "topic"),
		receiveTotal:    newCounterVec("receive_total", "Received messages by settlement outcome.", "topic", "subscription", "outcome"),
		deadLetterTotal: newCounterVec("dead_letter_total", "Messages moved to the dead-letter path.", "topic", "subscription"),
		deliveryCount:   newHistogramVec("delivery_count", "Delivery count observed on received messages.", []float64{1, 2, 3, 5, 10, 20}, "topic", "subscription"),
		replayedTotal:   newCounterVec("dead_letter_replayed_total", "Dead letters moved back onto their subscription.", "topic", "subscription"),
		purgedTotal:     newCounterVec("dead_letter_purged_total", "Dead letters discarded.", "topic", "subscription"),
	}
}

// Register registers the collectors. Safe to call multiple times. When
// another Metrics already registered the same collectors on the registerer,
// those are adopted so both record into the exported series.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	for _, c := range []**prometheus.CounterVec{&m.sendTotal, &m.receiveTotal, &m.deadLetterTotal, &m.replayedTotal, &m.purgedTotal} {
		if err := register(m.registerer, c); err != nil {
			return err
		}
	}
	for _, h := range []**prometheus.HistogramVec{&m.sendAttempts, &m.deliveryCount} {
		if err := register(m.registerer, h); err != nil {
			return err
		}
	}
	m.registered = true
	return nil
}

func register[C prometheus.Collector](registerer prometheus.Registerer, c *C) error {
	err := registerer.Register(*c)
	if err == nil {
		return nil
	}
	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return err
	}
	existing, ok := already.ExistingCollector.(C)
	if !ok {
		return err
	}
	*c = existing
	return nil
}

// RecordSend records the final outcome of one logical send.
func (m *Metrics) RecordSend(topic, outcome string, attempts int) {
	if m == nil {
		return
	}
	m.sendTotal.WithLabelValues(topic, outcome).Inc()
	if attempts > 0 {
		m.sendAttempts.WithLabelValues(topic).Observe(float64(attempts))
	}
}

// RecordReceive records how a received message was settled.
func (m *Metrics) RecordReceive(topic, subscription, outcome string, deliveryCount int) {
	if m == nil {
		return
	}
	m.receiveTotal.WithLabelValues(topic, subscription, outcome).Inc()
	if deliveryCount > 0 {
		m.deliveryCount.WithLabelValues(topic, subscription).Observe(float64(deliveryCount))
	}
	if outcome == OutcomeDeadLettered {
		m.deadLetterTotal.WithLabelValues(topic, subscription).Inc()
	}
}

// RecordReplayed records dead letters moved back onto a subscription.
func (m *Metrics) RecordReplayed(topic, subscription string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.replayedTotal.WithLabelValues(topic, subscription).Add(float64(count))
}

// RecordPurged records dead letters discarded from a subscription.
func (m *Metrics) RecordPurged(topic, subscription string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.purgedTotal.WithLabelValues(topic, subscription).Add(float64(count))
}
