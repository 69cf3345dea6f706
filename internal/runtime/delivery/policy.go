package delivery

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/buslink/internal/runtime/config"
)

// Policy bounds the retries of one logical send.
type Policy struct {
	// MaxAttempts counts the first try, so 5 means up to 4 retries.
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration

	// AttemptTimeout bounds a single broker round-trip. Zero leaves only
	// the caller's context.
	AttemptTimeout time.Duration
}

// DefaultPolicy is 5 attempts starting at 200ms and doubling up to 5s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: config.DefaultMaxAttempts,
		BaseDelay:   config.DefaultBaseDelay,
		Factor:      config.DefaultBackoffFactor,
		MaxDelay:    config.DefaultMaxDelay,
	}
}

// PolicyFromConfig reads the retry settings of conf.
func PolicyFromConfig(conf *config.Config) Policy {
	if conf == nil {
		return DefaultPolicy()
	}
	return Policy{
		MaxAttempts:    conf.RetryMaxAttempts,
		BaseDelay:      conf.RetryBaseDelay,
		Factor:         conf.RetryBackoffFactor,
		MaxDelay:       conf.RetryMaxDelay,
		AttemptTimeout: conf.SendTimeout,
	}.withDefaults()
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Factor < 1 {
		p.Factor = d.Factor
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.BaseDelay > p.MaxDelay {
		p.BaseDelay = p.MaxDelay
	}
	return p
}

// newBackOff returns the exponential schedule without jitter, so the
// delays are the same on every run.
func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          p.Factor,
		MaxInterval:         p.MaxDelay,
	}
	b.Reset()
	return b
}

// Delays lists the waits between attempts when every attempt fails
// transiently.
func (p Policy) Delays() []time.Duration {
	p = p.withDefaults()
	b := p.newBackOff()
	out := make([]time.Duration, 0, p.MaxAttempts-1)
	for i := 1; i < p.MaxAttempts; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}
