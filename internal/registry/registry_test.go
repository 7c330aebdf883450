// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestRegisterAndUnregister(t *testing.T) {
	r := New()

	conn, err := r.Register("doc-1", "conn-1", "u1", "alice")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if conn.ResourceID != "doc-1" || conn.SubjectID != "u1" || conn.Username != "alice" {
		t.Errorf("unexpected connection: %+v", conn)
	}
	if conn.ConnectedAt.IsZero() || conn.LastHeartbeatAt.IsZero() {
		t.Error("timestamps must be set on registration")
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}

	removed := r.Unregister("conn-1")
	if removed == nil || removed.ConnectionID != "conn-1" {
		t.Fatalf("Unregister returned %+v", removed)
	}
	if r.Count() != 0 {
		t.Errorf("Count after unregister = %d, want 0", r.Count())
	}

	if again := r.Unregister("conn-1"); again != nil {
		t.Error("second Unregister must return nil")
	}
}

func TestRegisterDuplicateConnectionID(t *testing.T) {
	r := New()
	if _, err := r.Register("doc-1", "conn-1", "u1", "alice"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	t.Run("same resource", func(t *testing.T) {
		if _, err := r.Register("doc-1", "conn-1", "u2", "bob"); !errors.Is(err, ErrDuplicateConnection) {
			t.Errorf("expected ErrDuplicateConnection, got %v", err)
		}
	})

	t.Run("different resource", func(t *testing.T) {
		if _, err := r.Register("doc-2", "conn-1", "u2", "bob"); !errors.Is(err, ErrDuplicateConnection) {
			t.Errorf("expected ErrDuplicateConnection, got %v", err)
		}
	})

	t.Run("id reusable after unregister", func(t *testing.T) {
		r.Unregister("conn-1")
		if _, err := r.Register("doc-1", "conn-1", "u1", "alice"); err != nil {
			t.Errorf("re-register after unregister: %v", err)
		}
	})
}

func TestHeartbeatUnknownConnectionIsIgnored(t *testing.T) {
	r := New()
	r.Heartbeat("never-registered")
	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0", r.Count())
	}
}

func TestSweepBoundary(t *testing.T) {
	r := New()
	timeout := 4 * time.Minute
	now := time.Now()

	stale, err := r.Register("doc-1", "stale", "u1", "alice")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	fresh, err := r.Register("doc-1", "fresh", "u2", "bob")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	boundary, err := r.Register("doc-1", "boundary", "u3", "carol")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	_ = stale
	_ = fresh
	_ = boundary

	// Backdate heartbeats directly in the shard; the registry only ever
	// stamps time.Now().
	s := r.shardFor("doc-1")
	s.mu.Lock()
	s.conns["stale"].LastHeartbeatAt = now.Add(-timeout - time.Second)
	s.conns["boundary"].LastHeartbeatAt = now.Add(-timeout)
	s.conns["fresh"].LastHeartbeatAt = now.Add(-timeout + time.Second)
	s.mu.Unlock()

	timedOut := r.Sweep(now, timeout)
	if len(timedOut) != 1 {
		t.Fatalf("swept %d connections, want 1", len(timedOut))
	}
	if timedOut[0].ConnectionID != "stale" {
		t.Errorf("swept %s, want stale", timedOut[0].ConnectionID)
	}
	if r.Count() != 2 {
		t.Errorf("Count = %d, want 2 (boundary connection must survive)", r.Count())
	}

	// Swept entries must also leave the index, so their IDs are reusable.
	if _, err := r.Register("doc-1", "stale", "u1", "alice"); err != nil {
		t.Errorf("re-register swept id: %v", err)
	}
}

func TestHeartbeatDefersSweep(t *testing.T) {
	r := New()
	timeout := time.Minute
	now := time.Now()

	if _, err := r.Register("doc-1", "conn-1", "u1", "alice"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	s := r.shardFor("doc-1")
	s.mu.Lock()
	s.conns["conn-1"].LastHeartbeatAt = now.Add(-2 * timeout)
	s.mu.Unlock()

	r.Heartbeat("conn-1")

	if swept := r.Sweep(now, timeout); len(swept) != 0 {
		t.Errorf("swept %d connections after heartbeat, want 0", len(swept))
	}
}

func TestActiveOrderedAndCopied(t *testing.T) {
	r := New()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("conn-%d", i)
		if _, err := r.Register("doc-1", id, "u1", "alice"); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
	}

	active := r.Active("doc-1")
	if len(active) != 5 {
		t.Fatalf("Active returned %d, want 5", len(active))
	}
	for i := 1; i < len(active); i++ {
		prev, cur := active[i-1], active[i]
		if cur.ConnectedAt.Before(prev.ConnectedAt) {
			t.Errorf("connections out of order at %d", i)
		}
		if cur.ConnectedAt.Equal(prev.ConnectedAt) && cur.ConnectionID <= prev.ConnectionID {
			t.Errorf("tie-break out of order at %d: %s then %s", i, prev.ConnectionID, cur.ConnectionID)
		}
	}

	// Mutating a returned copy must not affect the registry.
	active[0].SubjectID = "tampered"
	again := r.Active("doc-1")
	for _, c := range again {
		if c.SubjectID == "tampered" {
			t.Fatal("Active leaked internal state")
		}
	}

	if got := r.Active("no-such-doc"); got != nil {
		t.Errorf("Active for unknown resource = %v, want nil", got)
	}
}

func TestRegistryConcurrency(t *testing.T) {
	r := New()
	const (
		resources = 8
		perRes    = 25
	)

	var wg sync.WaitGroup
	for res := 0; res < resources; res++ {
		for c := 0; c < perRes; c++ {
			wg.Add(1)
			go func(res, c int) {
				defer wg.Done()
				resourceID := fmt.Sprintf("doc-%d", res)
				connID := fmt.Sprintf("conn-%d-%d", res, c)
				if _, err := r.Register(resourceID, connID, "u", "name"); err != nil {
					t.Errorf("Register %s: %v", connID, err)
					return
				}
				r.Heartbeat(connID)
				if c%2 == 0 {
					r.Unregister(connID)
				}
			}(res, c)
		}
	}
	wg.Wait()

	// c%2 == 0 unregisters the 13 even indices of 0..24, leaving perRes/2.
	want := resources * (perRes / 2)
	if got := r.Count(); got != want {
		t.Errorf("Count = %d, want %d", got, want)
	}

	if swept := r.Sweep(time.Now(), time.Minute); len(swept) != 0 {
		t.Errorf("swept %d fresh connections, want 0", len(swept))
	}
}
