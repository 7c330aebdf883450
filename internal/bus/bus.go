// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

// Package bus carries collaboration events between gateway instances. Every
// instance publishes the events it originates and subscribes to the channels
// of the resources its clients are viewing, so fan-out works identically
// whether the platform runs one process or many.
//
// Delivery is at-most-once by contract: events are ephemeral UI state, and a
// client that misses one reconciles through the REST API on its next fetch.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/marginalia-app/marginalia/internal/models"
)

// Bus is the pub/sub fabric between gateway instances.
type Bus interface {
	// Publish sends the envelope to the resource channel derived from its
	// ResourceID. Fire-and-forget: an error means the bus refused the
	// message, not that no subscriber saw it.
	Publish(ctx context.Context, env *models.Envelope) error

	// Subscribe returns a stream of envelopes for the resource. The channel
	// closes when ctx is canceled or the bus shuts down. A subscriber that
	// stops draining exerts backpressure on its own stream only.
	Subscribe(ctx context.Context, resourceID string) (<-chan *models.Envelope, error)

	// Healthy reports whether the bus can currently move messages.
	Healthy(ctx context.Context) bool

	Close() error
}

// TopicForResource maps a resource ID to its bus channel. One channel per
// resource keeps subscriptions aligned with what each instance's clients
// actually view.
func TopicForResource(resourceID string) string {
	return "resource." + resourceID
}

// Metadata keys attached to every bus message.
const (
	metaEventType  = "event_type"
	metaResourceID = "resource_id"
	metaOrigin     = "originating_connection_id"
)

// encodeEnvelope serializes an envelope into a watermill message. The event
// ID doubles as the message UUID.
func encodeEnvelope(env *models.Envelope) (*message.Message, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	msg := message.NewMessage(env.EventID, payload)
	msg.Metadata.Set(metaEventType, string(env.Type))
	msg.Metadata.Set(metaResourceID, env.ResourceID)
	if env.OriginatingConnectionID != "" {
		msg.Metadata.Set(metaOrigin, env.OriginatingConnectionID)
	}
	return msg, nil
}

// decodeEnvelope deserializes a bus message back into an envelope.
func decodeEnvelope(msg *message.Message) (*models.Envelope, error) {
	var env models.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope %s: %w", msg.UUID, err)
	}
	if !env.Type.Valid() {
		return nil, fmt.Errorf("envelope %s: unknown event type %q", msg.UUID, env.Type)
	}
	return &env, nil
}

// subscribeLoop adapts a watermill message stream into an envelope stream.
// Undecodable messages are acked and dropped; replaying them cannot make
// them parse.
func subscribeLoop(ctx context.Context, msgs <-chan *message.Message, out chan<- *models.Envelope, onDecodeErr func(*message.Message, error)) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			env, err := decodeEnvelope(msg)
			if err != nil {
				if onDecodeErr != nil {
					onDecodeErr(msg, err)
				}
				msg.Ack()
				continue
			}
			select {
			case out <- env:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}
}

// PublishTimeout bounds a single publish attempt across drivers.
const PublishTimeout = 5 * time.Second
