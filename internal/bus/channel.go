// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/marginalia-app/marginalia/internal/metrics"
	"github.com/marginalia-app/marginalia/internal/models"
)

// ChannelBus implements Bus in-process on watermill's gochannel pub/sub.
// It serves single-node deployments that run without a broker, and tests:
// two gateways subscribed to the same ChannelBus behave like two instances
// sharing a NATS server.
type ChannelBus struct {
	pubsub *gochannel.GoChannel
	buffer int64

	mu     sync.RWMutex
	closed bool
}

// NewChannelBus creates an in-process bus. buffer is the per-subscriber
// channel depth; a full subscriber blocks only its own stream.
func NewChannelBus(buffer int64) *ChannelBus {
	return &ChannelBus{
		// BlockPublishUntilSubscriberAck serializes back-to-back publishes:
		// without it gochannel hands each message to subscribers in its own
		// goroutine and two events published in order can arrive swapped.
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            buffer,
			BlockPublishUntilSubscriberAck: true,
		}, newWatermillLogger()),
		buffer: buffer,
	}
}

// Publish implements Bus.
func (b *ChannelBus) Publish(ctx context.Context, env *models.Envelope) error {
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
	if err := b.pubsub.Publish(topic, msg); err != nil {
		metrics.BusPublishes.WithLabelValues("error").Inc()
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	metrics.BusPublishes.WithLabelValues("ok").Inc()
	metrics.EventsPublished.WithLabelValues(string(env.Type)).Inc()
	return nil
}

// Subscribe implements Bus.
func (b *ChannelBus) Subscribe(ctx context.Context, resourceID string) (<-chan *models.Envelope, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrBusUnavailable
	}
	b.mu.RUnlock()

	topic := TopicForResource(resourceID)
	msgs, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	// The buffer lets subscribeLoop ack without waiting for the consumer, so
	// a publisher blocked on acks never depends on consumer progress.
	out := make(chan *models.Envelope, b.buffer)
	go subscribeLoop(ctx, msgs, out, nil)
	return out, nil
}

// Healthy implements Bus. An in-process bus is healthy until closed.
func (b *ChannelBus) Healthy(_ context.Context) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Close implements Bus.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.pubsub.Close()
}
