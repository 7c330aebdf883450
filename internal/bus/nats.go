// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/marginalia-app/marginalia/internal/logging"
	"github.com/marginalia-app/marginalia/internal/metrics"
	"github.com/marginalia-app/marginalia/internal/models"
)

// ErrBusUnavailable is returned when the circuit breaker is open or the bus
// is closed. Callers surface it to clients as a retryable condition.
var ErrBusUnavailable = errors.New("event bus unavailable")

// NATSConfig configures the NATS-backed bus.
type NATSConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	SubscribeBuffer int

	// Circuit breaker around publishes. Zero MaxFailures disables it.
	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration
}

// DefaultNATSConfig returns production defaults for the given server URL.
func DefaultNATSConfig(url string) NATSConfig {
	return NATSConfig{
		URL:                url,
		MaxReconnects:      -1,
		ReconnectWait:      2 * time.Second,
		SubscribeBuffer:    256,
		BreakerMaxFailures: 5,
		BreakerTimeout:     30 * time.Second,
	}
}

// NATSBus implements Bus on core NATS pub/sub through watermill. Core NATS
// matches the delivery contract exactly: at-most-once, no replay, no
// persistence. A dedicated monitoring connection backs Healthy so health
// probes never contend with the data path.
type NATSBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	monitor    *natsgo.Conn
	breaker    *gobreaker.CircuitBreaker[any]

	mu     sync.RWMutex
	closed bool
}

// NewNATSBus connects to the NATS server and builds the publisher and
// subscriber pair.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	logger := newWatermillLogger()

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("nats disconnected")
			}
			metrics.BusHealthy.Set(0)
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
			metrics.BusHealthy.Set(1)
		}),
	}

	// Events are ephemeral; JetStream persistence stays off.
	js := wmNats.JetStreamConfig{Disabled: true}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   js,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create nats publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:            cfg.URL,
		NatsOptions:    natsOpts,
		Unmarshaler:    &wmNats.NATSMarshaler{},
		JetStream:      js,
		AckWaitTimeout: 30 * time.Second,
		CloseTimeout:   10 * time.Second,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("create nats subscriber: %w", err)
	}

	monitor, err := natsgo.Connect(cfg.URL,
		natsgo.Name("marginalia-bus-monitor"),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
	)
	if err != nil {
		_ = pub.Close()
		_ = sub.Close()
		return nil, fmt.Errorf("connect nats monitor: %w", err)
	}

	b := &NATSBus{
		publisher:  pub,
		subscriber: sub,
		monitor:    monitor,
	}

	if cfg.BreakerMaxFailures > 0 {
		b.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name: "bus-publish",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
			},
			Timeout: cfg.BreakerTimeout,
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("publish circuit breaker state changed")
			},
		})
	}

	metrics.BusHealthy.Set(1)
	return b, nil
}

// Publish implements Bus.
func (b *NATSBus) Publish(ctx context.Context, env *models.Envelope) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusUnavailable
	}
	b.mu.RUnlock()

	msg, err := encodeEnvelope(env)
	if err != nil {
		metrics.BusPublishes.WithLabelValues("error").Inc()
		return err
	}
	msg.SetContext(ctx)

	topic := TopicForResource(env.ResourceID)
	if b.breaker != nil {
		_, err = b.breaker.Execute(func() (any, error) {
			return nil, b.publisher.Publish(topic, msg)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.BusPublishes.WithLabelValues("breaker_open").Inc()
			return fmt.Errorf("%w: %v", ErrBusUnavailable, err)
		}
	} else {
		err = b.publisher.Publish(topic, msg)
	}

	if err != nil {
		metrics.BusPublishes.WithLabelValues("error").Inc()
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	metrics.BusPublishes.WithLabelValues("ok").Inc()
	metrics.EventsPublished.WithLabelValues(string(env.Type)).Inc()
	return nil
}

// Subscribe implements Bus.
func (b *NATSBus) Subscribe(ctx context.Context, resourceID string) (<-chan *models.Envelope, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrBusUnavailable
	}
	b.mu.RUnlock()

	topic := TopicForResource(resourceID)
	msgs, err := b.subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	out := make(chan *models.Envelope)
	go subscribeLoop(ctx, msgs, out, func(msg *message.Message, err error) {
		logging.Error().Err(err).Str("message_uuid", msg.UUID).Str("topic", topic).Msg("dropping undecodable bus message")
	})
	return out, nil
}

// Healthy implements Bus. Connected means messages can move right now;
// reconnecting counts as unhealthy even though the client will recover.
func (b *NATSBus) Healthy(_ context.Context) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	return b.monitor.Status() == natsgo.CONNECTED
}

// Close shuts down the publisher, subscriber, and monitor connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	var errs []error
	if err := b.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close publisher: %w", err))
	}
	if err := b.subscriber.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close subscriber: %w", err))
	}
	b.monitor.Close()
	metrics.BusHealthy.Set(0)
	return errors.Join(errs...)
}
