// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

// Package registry tracks the live WebSocket connections held by this
// process, per collaborative resource. The table is process-local by design:
// cross-process awareness is the event bus's job.
//
// The table is sharded per resource with one mutex per shard, so sweeps and
// heartbeats on unrelated documents never contend. Shard and connection
// lookups go through sync.Map, keeping the hot heartbeat path free of any
// global lock.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/marginalia-app/marginalia/internal/metrics"
)

// ErrDuplicateConnection is returned when a client-generated connection ID is
// already registered. Connection IDs must be unique per session.
var ErrDuplicateConnection = errors.New("duplicate connection id")

// Connection is one live WebSocket session. Owned exclusively by the
// registry of the process that accepted the socket; values handed out by
// Active and Sweep are copies.
type Connection struct {
	ConnectionID    string
	SubjectID       string
	Username        string
	ResourceID      string
	ConnectedAt     time.Time
	LastHeartbeatAt time.Time
}

// shard holds the connections of a single resource behind its own mutex.
type shard struct {
	mu    sync.Mutex
	conns map[string]*Connection
}

// Registry is the per-process connection table.
type Registry struct {
	shards sync.Map // resourceID -> *shard
	index  sync.Map // connectionID -> resourceID
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{}
}

func (r *Registry) shardFor(resourceID string) *shard {
	if s, ok := r.shards.Load(resourceID); ok {
		return s.(*shard)
	}
	s, _ := r.shards.LoadOrStore(resourceID, &shard{conns: make(map[string]*Connection)})
	return s.(*shard)
}

// Register adds a connection for the resource. Fails with
// ErrDuplicateConnection when the connection ID is already registered
// anywhere in this process.
func (r *Registry) Register(resourceID, connectionID, subjectID, username string) (*Connection, error) {
	if _, exists := r.index.Load(connectionID); exists {
		return nil, ErrDuplicateConnection
	}

	s := r.shardFor(resourceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conns[connectionID]; exists {
		return nil, ErrDuplicateConnection
	}

	now := time.Now()
	conn := &Connection{
		ConnectionID:    connectionID,
		SubjectID:       subjectID,
		Username:        username,
		ResourceID:      resourceID,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
	}
	s.conns[connectionID] = conn
	r.index.Store(connectionID, resourceID)

	metrics.ActiveConnections.Inc()
	return copyConn(conn), nil
}

// Heartbeat updates the connection's liveness timestamp. A heartbeat for an
// unknown connection is silently ignored: the connection may have been swept
// or closed concurrently, and that is not the caller's error.
func (r *Registry) Heartbeat(connectionID string) {
	resourceID, ok := r.index.Load(connectionID)
	if !ok {
		return
	}

	s := r.shardFor(resourceID.(string))
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn, ok := s.conns[connectionID]; ok {
		conn.LastHeartbeatAt = time.Now()
	}
}

// Unregister removes the connection, returning its final state, or nil when
// it was already gone.
func (r *Registry) Unregister(connectionID string) *Connection {
	resourceID, ok := r.index.LoadAndDelete(connectionID)
	if !ok {
		return nil
	}

	s := r.shardFor(resourceID.(string))
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[connectionID]
	if !ok {
		return nil
	}
	delete(s.conns, connectionID)
	metrics.ActiveConnections.Dec()
	return copyConn(conn)
}

// Sweep removes every connection whose last heartbeat is older than
// now-timeout and returns the removed connections for user_disconnected
// broadcast. A connection heartbeating exactly at the boundary survives.
func (r *Registry) Sweep(now time.Time, timeout time.Duration) []*Connection {
	start := time.Now()
	cutoff := now.Add(-timeout)

	var timedOut []*Connection
	r.shards.Range(func(_, v any) bool {
		s := v.(*shard)
		s.mu.Lock()
		for id, conn := range s.conns {
			if conn.LastHeartbeatAt.Before(cutoff) {
				timedOut = append(timedOut, copyConn(conn))
				delete(s.conns, id)
				r.index.Delete(id)
				metrics.ActiveConnections.Dec()
			}
		}
		s.mu.Unlock()
		return true
	})

	metrics.ObserveSweep(start, len(timedOut))
	return timedOut
}

// Active returns the live connections for a resource, ordered by connect
// time. Used to build the handshake payload for a newly joined client.
func (r *Registry) Active(resourceID string) []*Connection {
	v, ok := r.shards.Load(resourceID)
	if !ok {
		return nil
	}
	s := v.(*shard)

	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, copyConn(conn))
	}
	s.mu.Unlock()

	sort.Slice(conns, func(i, j int) bool {
		if conns[i].ConnectedAt.Equal(conns[j].ConnectedAt) {
			return conns[i].ConnectionID < conns[j].ConnectionID
		}
		return conns[i].ConnectedAt.Before(conns[j].ConnectedAt)
	})
	return conns
}

// Count returns the number of live connections across all resources.
func (r *Registry) Count() int {
	total := 0
	r.shards.Range(func(_, v any) bool {
		s := v.(*shard)
		s.mu.Lock()
		total += len(s.conns)
		s.mu.Unlock()
		return true
	})
	return total
}

func copyConn(c *Connection) *Connection {
	cp := *c
	return &cp
}
