// Package credentials picks an authentication strategy for the configured
// transport and owns the resulting connection.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/drblury/buslink/internal/runtime/config"
	buserrors "github.com/drblury/buslink/internal/runtime/errors"
	"github.com/drblury/buslink/internal/runtime/logging"
	"github.com/drblury/buslink/transport"
)

// Resolution is a live connection together with the strategy that opened
// it.
type Resolution struct {
	Strategy transport.Strategy
	Conn     transport.Connection
}

// Dependencies are optional collaborators of a Resolver. Leave fields nil to
// use the default transport registry.
type Dependencies struct {
	Registry *transport.Registry
	Opener   transport.Opener
}

// Resolver opens one connection lazily and hands it out until Close. The
// connection secret is tried first; when it is missing or rejected the
// transport's ambient identity is tried next.
type Resolver struct {
	conf   *config.Config
	logger logging.ServiceLogger
	open   transport.Opener
	caps   transport.Capabilities

	mu       sync.Mutex
	resolved *Resolution
}

// NewResolver looks up the opener for conf.Transport. No connection is made
// until the first Resolve.
func NewResolver(conf *config.Config, log logging.ServiceLogger, deps Dependencies) (*Resolver, error) {
	if conf == nil {
		return nil, buserrors.ErrConfigRequired
	}
	if log == nil {
		return nil, buserrors.ErrLoggerRequired
	}

	registry := deps.Registry
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	opener := deps.Opener
	if opener == nil {
		var err error
		if opener, err = registry.Opener(conf.Transport); err != nil {
			return nil, err
		}
	}

	return &Resolver{
		conf:   conf,
		logger: log.With(logging.LogFields{"transport": conf.Transport}),
		open:   opener,
		caps:   registry.GetCapabilities(conf.Transport),
	}, nil
}

// Candidates lists the credentials Resolve will try, in order.
func (r *Resolver) Candidates() []transport.Credentials {
	var out []transport.Credentials
	if r.conf.ConnectionString != "" {
		out = append(out, transport.Credentials{
			Strategy: transport.StrategyConnectionString,
			Secret:   r.conf.ConnectionString,
		})
	}
	if r.conf.Endpoint != "" || !r.caps.AmbientNeedsEndpoint {
		out = append(out, transport.Credentials{
			Strategy: transport.StrategyAmbientIdentity,
			Endpoint: r.conf.Endpoint,
		})
	}
	return out
}

// Resolve returns the cached connection, opening it on first use. Concurrent
// callers wait for the same attempt. When every strategy fails the result is
// a *errors.AuthError carrying each cause; it is never retried.
func (r *Resolver) Resolve(ctx context.Context) (Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.resolved != nil {
		return *r.resolved, nil
	}

	candidates := r.Candidates()
	if len(candidates) == 0 {
		return Resolution{}, &buserrors.AuthError{Err: buserrors.ErrNoCredentials}
	}

	var (
		attempted []string
		causes    []error
	)
	wmLogger := logging.NewWatermillAdapter(r.logger)
	for _, creds := range candidates {
		if err := ctx.Err(); err != nil {
			return Resolution{}, err
		}
		attempted = append(attempted, string(creds.Strategy))

		conn, err := r.open(ctx, r.conf, creds, wmLogger)
		if err == nil {
			r.resolved = &Resolution{Strategy: creds.Strategy, Conn: conn}
			r.logger.Info("Connection opened", logging.LogFields{"strategy": creds.Strategy})
			return *r.resolved, nil
		}
		if errors.Is(err, context.Canceled) {
			return Resolution{}, err
		}
		r.logger.Debug("Credential strategy failed", logging.LogFields{"strategy": creds.Strategy, "error": err.Error()})
		causes = append(causes, fmt.Errorf("%s: %w", creds.Strategy, err))
	}

	return Resolution{}, &buserrors.AuthError{Attempted: attempted, Err: errors.Join(causes...)}
}

// Current returns the cached connection without opening one.
func (r *Resolver) Current() (Resolution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved == nil {
		return Resolution{}, false
	}
	return *r.resolved, true
}

// Close releases the cached connection. A later Resolve opens a new one.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.resolved == nil {
		return nil
	}
	err := r.resolved.Conn.Close()
	r.resolved = nil
	r.logger.Debug("Connection closed", nil)
	return err
}
