package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/drblury/buslink/internal/runtime/config"
	"github.com/drblury/buslink/internal/runtime/envelope"
	"github.com/drblury/buslink/internal/runtime/jsoncodec"
	"github.com/drblury/buslink/internal/runtime/logging"
	"github.com/drblury/buslink/internal/runtime/receive"
	"github.com/drblury/buslink/transport"
)

// waitValue accepts a Go duration or a bare number of seconds.
type waitValue time.Duration

var _ pflag.Value = (*waitValue)(nil)

func (w *waitValue) String() string { return time.Duration(*w).String() }
func (w *waitValue) Type() string   { return "duration" }

func (w *waitValue) Set(s string) error {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 {
			return fmt.Errorf("wait must not be negative")
		}
		*w = waitValue(time.Duration(secs * float64(time.Second)))
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("wait must not be negative")
	}
	*w = waitValue(d)
	return nil
}

func newReceiveCommand(a *app) *cobra.Command {
	var (
		subscription string
		maxCount     int
		follow       bool
	)
	wait := waitValue(config.DefaultReceiveWait)

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive and complete messages from a subscription",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if maxCount < 1 {
				return fmt.Errorf("--max must be at least 1")
			}

			defer a.close()
			client, err := a.connect(cmd)
			if err != nil {
				return err
			}

			printer := &envelopePrinter{out: cmd.OutOrStdout()}
			opts := receive.Options{MaxCount: maxCount, Wait: time.Duration(wait)}

			if follow {
				report, err := client.Follow(cmd.Context(), subscription, opts, printer.handle, nil)
				a.logger.Info("Stopped following", logging.LogFields{
					"received":      len(report.Envelopes),
					"completed":     report.Completed,
					"dead_lettered": report.DeadLettered,
				})
				return err
			}

			report, err := client.Receive(cmd.Context(), subscription, opts, printer.handle)
			if err != nil {
				return err
			}
			if report.Empty() {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "No messages.")
				return err
			}
			if len(report.Failures) > 0 {
				return errors.Join(report.Failures...)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&subscription, "subscription", "", "subscription to read from")
	flags.IntVar(&maxCount, "max", config.DefaultReceiveMaxCount, "maximum number of messages per poll")
	flags.Var(&wait, "wait", "maximum time to wait for messages, e.g. 5s or 5")
	flags.BoolVarP(&follow, "follow", "f", false, "keep polling until interrupted")
	_ = cmd.MarkFlagRequired("subscription")
	return cmd
}

// envelopePrinter writes each envelope as indented JSON.
type envelopePrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *envelopePrinter) handle(_ context.Context, env envelope.Envelope, _ transport.Delivery) error {
	body, err := jsoncodec.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = fmt.Fprintf(p.out, "%s\n", body)
	return err
}
