package runtime

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/drblury/buslink/internal/runtime/receive"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// SubscriptionStats summarises the messages a process has handled for one
// subscription.
type SubscriptionStats struct {
	Topic        string `json:"topic"`
	Subscription string `json:"subscription"`

	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesFailed      uint64    `json:"messages_failed"`
	Completed           uint64    `json:"completed"`
	Abandoned           uint64    `json:"abandoned"`
	DeadLettered        uint64    `json:"dead_lettered"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Backlog    BacklogMetrics    `json:"backlog"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
}

// ErrorBreakdown counts failures by where they happened.
type ErrorBreakdown struct {
	Decode    uint64 `json:"decode"`
	Handler   uint64 `json:"handler"`
	Settle    uint64 `json:"settle"`
	LastError string `json:"last_error,omitempty"`
}

type BacklogMetrics struct {
	InFlight           uint64 `json:"in_flight"`
	MaxInFlight        uint64 `json:"max_in_flight"`
	EstimatedLagMillis int64  `json:"estimated_lag_millis"`
}

type subscriptionState struct {
	stats      SubscriptionStats
	latency    *latencyWindow
	throughput *throughputWindow
}

// Stats collects SubscriptionStats through receive hooks.
type Stats struct {
	mu    sync.Mutex
	state map[string]*subscriptionState
}

func NewStats() *Stats {
	return &Stats{state: make(map[string]*subscriptionState)}
}

// Hooks returns the receive hooks feeding s.
func (s *Stats) Hooks() receive.Hooks {
	return receive.Hooks{
		OnStart: s.onStart,
		OnDone: func(job receive.Job) {
			s.onFinish(job, nil)
		},
		OnError:   s.onFinish,
		OnSettled: s.onSettled,
	}
}

// Snapshot returns a copy of the stats keyed by "topic/subscription".
func (s *Stats) Snapshot() map[string]SubscriptionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]SubscriptionStats, len(s.state))
	for key, st := range s.state {
		out[key] = st.stats
	}
	return out
}

func (s *Stats) lookup(job receive.Job) *subscriptionState {
	key := job.Topic + "/" + job.Subscription
	st, ok := s.state[key]
	if !ok {
		st = &subscriptionState{
			stats: SubscriptionStats{
				Topic:        job.Topic,
				Subscription: job.Subscription,
				Backlog:      BacklogMetrics{EstimatedLagMillis: -1},
			},
			latency:    newLatencyWindow(latencySampleSize),
			throughput: newThroughputWindow(throughputWindowSize),
		}
		s.state[key] = st
	}
	return st
}

func (s *Stats) onStart(job receive.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.lookup(job)
	st.stats.Backlog.InFlight++
	if st.stats.Backlog.InFlight > st.stats.Backlog.MaxInFlight {
		st.stats.Backlog.MaxInFlight = st.stats.Backlog.InFlight
	}
	if !job.EnqueuedAt.IsZero() {
		st.stats.Backlog.EstimatedLagMillis = max(job.StartedAt.Sub(job.EnqueuedAt).Milliseconds(), 0)
	}
	if job.Envelope.IsUnknown() {
		st.stats.Errors.Decode++
	}
}

func (s *Stats) onFinish(job receive.Job, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.lookup(job)
	h := &st.stats
	if h.Backlog.InFlight > 0 {
		h.Backlog.InFlight--
	}
	h.MessagesProcessed++
	if err != nil {
		h.MessagesFailed++
		h.Errors.Handler++
		h.Errors.LastError = err.Error()
	}
	h.TotalProcessingTime += int64(job.Duration)
	h.LastProcessedAt = time.Now().UTC()

	st.latency.Add(job.Duration)
	h.Latency = st.latency.Snapshot()
	h.Latency.AverageNs = h.TotalProcessingTime / int64(h.MessagesProcessed)

	tp := st.throughput.AddAndSnapshot(time.Now())
	h.Throughput = ThroughputMetrics{
		CurrentRPS:       tp.CurrentRPS,
		WindowSeconds:    tp.WindowSeconds,
		MessagesInWindow: uint64(tp.Count),
	}
}

func (s *Stats) onSettled(job receive.Job, action receive.Action, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := &s.lookup(job).stats
	if err != nil {
		h.Errors.Settle++
		h.Errors.LastError = err.Error()
		return
	}
	switch action {
	case receive.ActionComplete:
		h.Completed++
	case receive.ActionAbandon:
		h.Abandoned++
	case receive.ActionDeadLetter:
		h.DeadLettered++
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	metrics := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := range lw.filled {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	slices.Sort(samples)
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon, samples: make([]time.Time, 0, 64)}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	tw.samples = tw.samples[idx:]

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	return throughputSnapshot{
		Count:         len(tw.samples),
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(len(tw.samples)) / span.Seconds(),
	}
}
