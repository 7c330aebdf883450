// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marginalia-app/marginalia/internal/models"
)

func receiveEnvelope(t *testing.T, ch <-chan *models.Envelope) *models.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		if !ok {
			t.Fatal("subscription channel closed unexpectedly")
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func TestChannelBusPublishSubscribe(t *testing.T) {
	b := NewChannelBus(16)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := b.Subscribe(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	env, err := models.NewEnvelope(models.EventUserConnected, "doc-1", "document", models.UserConnectedPayload{
		UserID:       "u1",
		Username:     "alice",
		ConnectionID: "conn-1",
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := receiveEnvelope(t, sub)
	if got.EventID != env.EventID || got.Type != models.EventUserConnected {
		t.Errorf("received %+v, want event %s", got, env.EventID)
	}
}

func TestChannelBusFanOutToMultipleSubscribers(t *testing.T) {
	b := NewChannelBus(16)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subA, err := b.Subscribe(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Subscribe A: %v", err)
	}
	subB, err := b.Subscribe(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Subscribe B: %v", err)
	}

	env, _ := models.NewEnvelope(models.EventViewModeChanged, "doc-1", "document", models.ViewModeChangedPayload{
		DocumentID: "doc-1",
		ViewMode:   models.ViewModeRestricted,
	})
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for name, sub := range map[string]<-chan *models.Envelope{"A": subA, "B": subB} {
		got := receiveEnvelope(t, sub)
		if got.EventID != env.EventID {
			t.Errorf("subscriber %s received %s, want %s", name, got.EventID, env.EventID)
		}
	}
}

func TestChannelBusIsolatesResources(t *testing.T) {
	b := NewChannelBus(16)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	other, err := b.Subscribe(ctx, "doc-other")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	env, _ := models.NewEnvelope(models.EventUserConnected, "doc-1", "document", nil)
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-other:
		t.Errorf("subscriber of doc-other received %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannelBusPreservesPublishOrder(t *testing.T) {
	b := NewChannelBus(16)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := b.Subscribe(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	const n = 50
	published := make([]string, 0, n)
	for i := 0; i < n; i++ {
		env, err := models.NewEnvelope(models.EventUserConnected, "doc-1", "document", nil)
		if err != nil {
			t.Fatalf("NewEnvelope: %v", err)
		}
		if err := b.Publish(ctx, env); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
		published = append(published, env.EventID)
	}

	for i, want := range published {
		got := receiveEnvelope(t, sub)
		if got.EventID != want {
			t.Fatalf("event %d = %s, want %s (publish order not preserved)", i, got.EventID, want)
		}
	}
}

func TestChannelBusSubscriptionClosesOnContextCancel(t *testing.T) {
	b := NewChannelBus(16)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := b.Subscribe(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()

	select {
	case _, ok := <-sub:
		if ok {
			t.Error("expected closed channel after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not close after context cancel")
	}
}

func TestChannelBusClose(t *testing.T) {
	b := NewChannelBus(16)
	ctx := context.Background()

	if !b.Healthy(ctx) {
		t.Error("new bus should be healthy")
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if b.Healthy(ctx) {
		t.Error("closed bus should be unhealthy")
	}

	env, _ := models.NewEnvelope(models.EventUserConnected, "doc-1", "document", nil)
	if err := b.Publish(ctx, env); !errors.Is(err, ErrBusUnavailable) {
		t.Errorf("Publish after close: expected ErrBusUnavailable, got %v", err)
	}
	if _, err := b.Subscribe(ctx, "doc-1"); !errors.Is(err, ErrBusUnavailable) {
		t.Errorf("Subscribe after close: expected ErrBusUnavailable, got %v", err)
	}

	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
