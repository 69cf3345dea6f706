package runtime

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/buslink/internal/runtime/jsoncodec"
	"github.com/drblury/buslink/internal/runtime/logging"
	"github.com/drblury/buslink/transport"
)

// Status is the payload of /api/status.
type Status struct {
	Transport     string                       `json:"transport"`
	Topic         string                       `json:"topic"`
	Connected     bool                         `json:"connected"`
	Strategy      string                       `json:"strategy,omitempty"`
	Closed        bool                         `json:"closed"`
	Capabilities  transport.Capabilities       `json:"capabilities"`
	Subscriptions map[string]SubscriptionStats `json:"subscriptions"`
}

// Status reports the connection state and handling stats of c.
func (c *Client) Status() Status {
	st := Status{
		Transport:     c.Conf.Transport,
		Topic:         c.Conf.Topic,
		Closed:        c.closed.Load(),
		Capabilities:  c.caps,
		Subscriptions: c.Stats(),
	}
	if res, ok := c.resolver.Current(); ok {
		st.Connected = true
		st.Strategy = string(res.Strategy)
	}
	return st
}

// HTTPHandler serves /metrics from gatherer, /api/status and /healthz. A nil
// gatherer means prometheus.DefaultGatherer.
func (c *Client) HTTPHandler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/status", c.handleStatus)
	mux.HandleFunc("/healthz", c.handleHealth)
	return mux
}

func (c *Client) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, c.Status()); err != nil {
		c.Logger.Error("Failed to encode status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (c *Client) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if c.closed.Load() {
		http.Error(w, "closed", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ServeHTTP runs HTTPHandler on addr until ctx is cancelled.
func (c *Client) ServeHTTP(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           c.HTTPHandler(gatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		c.Logger.Info("Starting HTTP server", logging.LogFields{"address": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
