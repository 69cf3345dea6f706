package cmd

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/drblury/buslink/internal/runtime"
	"github.com/drblury/buslink/internal/runtime/config"
	buserrors "github.com/drblury/buslink/internal/runtime/errors"
	"github.com/drblury/buslink/internal/runtime/logging"
	"github.com/drblury/buslink/transport"
	_ "github.com/drblury/buslink/transport/transports"
)

// Exit codes.
const (
	ExitFailure = 1
	ExitAuth    = 2
	ExitConfig  = 3
)

// Options configures the command tree. Zero fields fall back to the process
// environment and the default registries.
type Options struct {
	Stdout     io.Writer
	Stderr     io.Writer
	Lookup     config.LookupFunc
	Registry   *transport.Registry
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

func (o Options) withDefaults() Options {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.Lookup == nil {
		o.Lookup = os.LookupEnv
	}
	if o.Registerer == nil {
		o.Registerer = prometheus.DefaultRegisterer
	}
	if o.Gatherer == nil {
		o.Gatherer = prometheus.DefaultGatherer
	}
	return o
}

type app struct {
	opts Options

	transportName string
	topic         string
	sender        string
	verbose       bool
	metricsAddr   string

	logger     logging.ServiceLogger
	client     *runtime.Client
	stopServer context.CancelFunc
}

// Execute runs the command line of the process.
func Execute(ctx context.Context) error {
	return NewRootCommand(Options{}).ExecuteContext(ctx)
}

// ExitCode maps an error returned by Execute onto a process exit code.
func ExitCode(err error) int {
	var authErr *buserrors.AuthError
	var cfgErr *buserrors.ConfigValidationError
	switch {
	case errors.As(err, &authErr):
		return ExitAuth
	case errors.As(err, &cfgErr):
		return ExitConfig
	}
	return ExitFailure
}

// NewRootCommand builds the buslink command tree.
func NewRootCommand(opts Options) *cobra.Command {
	a := &app{opts: opts.withDefaults()}

	root := &cobra.Command{
		Use:          "buslink",
		Short:        "Send and receive messages on a pub/sub topic",
		Long:         `Publishes event, analysis and metric envelopes to a topic and drains subscriptions of it.`,
		SilenceUsage: true,
	}
	root.SetOut(a.opts.Stdout)
	root.SetErr(a.opts.Stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&a.transportName, "transport", "", "transport backend (overrides BUSLINK_TRANSPORT)")
	flags.StringVar(&a.topic, "topic", "", "topic name (overrides BUSLINK_TOPIC)")
	flags.StringVar(&a.sender, "sender", "", "default sender (overrides BUSLINK_SENDER)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	flags.StringVar(&a.metricsAddr, "metrics-addr", "", "serve /metrics, /api/status and /healthz on this address while running")

	root.AddCommand(
		newSendCommand(a),
		newReceiveCommand(a),
		newDeadLettersCommand(a),
		newPendingCommand(a),
	)
	return root
}

func (a *app) loadConfig() (config.Config, error) {
	conf, err := config.Load(a.opts.Lookup)
	if err != nil {
		return config.Config{}, err
	}
	if a.transportName != "" && a.transportName != conf.Transport {
		conf.Transport = a.transportName
		if conf.Endpoint == config.DefaultEndpoint {
			conf.Endpoint = ""
		}
	}
	if a.topic != "" {
		conf.Topic = a.topic
	}
	if a.sender != "" {
		conf.DefaultSender = a.sender
	}
	return conf, nil
}

// connect builds the client and surfaces credential failures before any
// work starts. Callers must defer close.
func (a *app) connect(cmd *cobra.Command) (*runtime.Client, error) {
	a.logger = logging.NewTextServiceLogger(a.opts.Stderr, a.verbose)

	conf, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	client, err := runtime.NewClient(&conf, a.logger, runtime.ClientDependencies{
		Registry:   a.opts.Registry,
		Registerer: a.opts.Registerer,
	})
	if err != nil {
		return nil, err
	}
	a.client = client

	res, err := client.Connect(cmd.Context())
	if err != nil {
		return nil, err
	}
	a.logger.Info("Connected", logging.LogFields{"transport": conf.Transport, "strategy": res.Strategy, "topic": conf.Topic})

	if a.metricsAddr != "" {
		ctx, cancel := context.WithCancel(cmd.Context())
		a.stopServer = cancel
		go func() {
			if err := client.ServeHTTP(ctx, a.metricsAddr, a.opts.Gatherer); err != nil {
				a.logger.Error("HTTP server stopped", err, logging.LogFields{"address": a.metricsAddr})
			}
		}()
	}
	return client, nil
}

func (a *app) close() {
	if a.stopServer != nil {
		a.stopServer()
		a.stopServer = nil
	}
	if a.client == nil {
		return
	}
	if err := a.client.Close(); err != nil {
		a.logger.Error("Failed to close connection", err, nil)
	}
	a.client = nil
}
