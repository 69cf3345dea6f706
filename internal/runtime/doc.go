/*
Package runtime provides the client core of buslink.

# Architecture Overview

A Client sends typed envelopes to a topic and drains subscriptions of that
topic. It never talks to a broker directly: every backend lives behind the
transport.Connection contract and is chosen by name from a transport
registry.

# Package Structure

## Client (client.go)

The Client struct wires together:
  - Credential resolution (connection string first, ambient identity second)
  - The envelope codec
  - The delivery guard for sends
  - Receive sessions for subscriptions
  - Prometheus collectors and per-subscription stats

## Stats & Monitoring (stats.go, status.go)

Handling stats are collected through receive hooks:
  - Latency percentiles (p50, p95, p99)
  - Throughput tracking
  - Error categorization (decode, handler, settle)
  - In-flight and lag estimation

Client.HTTPHandler exposes /metrics, /api/status and /healthz.

# Sub-packages

  - config/: Client configuration, environment loading and validation
  - credentials/: Ordered credential strategies and the cached connection
  - delivery/: Retrying sends with backoff and a circuit breaker
  - envelope/: The message envelope and its JSON wire codec
  - errors/: Sentinel errors and error types
  - ids/: ULID generation for message and session IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Envelope metadata values and transport headers
  - metrics/: Prometheus collectors
  - receive/: Receive loop, settlement classification and hooks

# Usage Example

	conf := config.Config{
		Transport: "servicebus",
		Endpoint:  "ide-bus.servicebus.windows.net",
		Topic:     "ide-messages",
	}

	client, err := runtime.NewClient(&conf, logger, runtime.ClientDependencies{})
	if err != nil {
		return err
	}
	defer client.Close()

	_, _, err = client.Publish(ctx, envelope.Event, "Build finished", "All green", nil)

	report, err := client.Receive(ctx, "cli", receive.Options{MaxCount: 10, Wait: 5 * time.Second},
		func(ctx context.Context, env envelope.Envelope, d transport.Delivery) error {
			fmt.Println(env.Title)
			return nil
		})
*/
package runtime
