// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/marginalia-app/marginalia/internal/access"
	"github.com/marginalia-app/marginalia/internal/bus"
	"github.com/marginalia-app/marginalia/internal/logging"
	"github.com/marginalia-app/marginalia/internal/models"
	"github.com/marginalia-app/marginalia/internal/registry"
	"github.com/marginalia-app/marginalia/internal/token"
)

func TestMain(m *testing.M) {
	logging.Init(logging.Config{Level: "error", Format: "json", Output: io.Discard})
	os.Exit(m.Run())
}

// flagResolver wraps the store resolver and can simulate a subject being
// deleted mid-session.
type flagResolver struct {
	inner   *StoreResolver
	revoked atomic.Bool
}

func (r *flagResolver) Resolve(ctx context.Context, subjectID string) (*models.Subject, error) {
	if r.revoked.Load() {
		return nil, token.ErrSubjectNotFound
	}
	return r.inner.Resolve(ctx, subjectID)
}

type testEnv struct {
	gw       *Gateway
	store    *token.MemoryStore
	policies *MemoryPolicyProvider
	bus      bus.Bus
	resolver *flagResolver
	server   *httptest.Server
}

func newTestEnv(t *testing.T, b bus.Bus) *testEnv {
	t.Helper()

	store := token.NewMemoryStore()
	policies := NewMemoryPolicyProvider(DefaultPolicy())
	resolver := &flagResolver{inner: NewStoreResolver(store)}

	cfg := DefaultConfig()
	cfg.CheckOrigin = func(*http.Request) bool { return true }

	gw := New(cfg, Options{
		Registry: registry.New(),
		Bus:      b,
		Filter:   access.New(),
		Policies: policies,
		Resolver: resolver,
	})
	t.Cleanup(gw.Shutdown)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		subject := models.AnonymousSubject()
		if id := q.Get("subject"); id != "" {
			var err error
			subject, err = store.Get(r.Context(), id)
			if err != nil {
				http.Error(w, "unknown subject", http.StatusUnauthorized)
				return
			}
		}
		err := gw.HandleUpgrade(w, r, subject, q.Get("doc"), q.Get("conn"))
		switch {
		case err == nil:
		case errors.Is(err, ErrMissingConnectionID):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, ErrForbidden):
			http.Error(w, err.Error(), http.StatusForbidden)
		case errors.Is(err, ErrShuttingDown):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}))
	t.Cleanup(server.Close)

	return &testEnv{gw: gw, store: store, policies: policies, bus: b, resolver: resolver, server: server}
}

func (e *testEnv) addSubject(t *testing.T, id string, perms ...models.Permission) *models.Subject {
	t.Helper()
	secret, err := token.NewSubjectSecret()
	if err != nil {
		t.Fatalf("NewSubjectSecret: %v", err)
	}
	subject := &models.Subject{
		ID:          id,
		Username:    "user-" + id,
		TokenSecret: secret,
		Permissions: models.NewPermissionSet(perms...),
	}
	if err := e.store.Put(context.Background(), subject); err != nil {
		t.Fatalf("Put: %v", err)
	}
	return subject
}

func (e *testEnv) dial(t *testing.T, subjectID, doc, conn string) *websocket.Conn {
	t.Helper()
	ws, resp, err := e.tryDial(subjectID, doc, conn)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func (e *testEnv) tryDial(subjectID, doc, conn string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") +
		"/?subject=" + subjectID + "&doc=" + doc + "&conn=" + conn
	return websocket.DefaultDialer.Dial(url, nil)
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *models.Envelope {
	t.Helper()
	if err := ws.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return &env
}

func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	if err := ws.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Fatalf("expected close error, got %v", err)
		}
		if closeErr.Code != code {
			t.Fatalf("close code = %d, want %d", closeErr.Code, code)
		}
		return
	}
}

func TestHandleUpgradeRejections(t *testing.T) {
	env := newTestEnv(t, bus.NewChannelBus(16))
	env.addSubject(t, "u1")

	t.Run("missing connection id", func(t *testing.T) {
		_, resp, err := env.tryDial("u1", "doc-1", "")
		if err == nil {
			t.Fatal("expected dial failure")
		}
		if resp == nil || resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %v, want 400", resp)
		}
	})

	t.Run("no base access", func(t *testing.T) {
		env.policies.Set("doc-private", models.ResourcePolicy{
			ViewMode:   models.ViewModePublic,
			Visibility: models.VisibilityPrivate,
		})
		_, resp, err := env.tryDial("u1", "doc-private", "conn-x")
		if err == nil {
			t.Fatal("expected dial failure")
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %v, want 403", resp)
		}
	})

	t.Run("duplicate connection id", func(t *testing.T) {
		first := env.dial(t, "u1", "doc-1", "conn-dup")
		second, _, err := env.tryDial("u1", "doc-1", "conn-dup")
		if err != nil {
			t.Fatalf("second dial should upgrade before being closed: %v", err)
		}
		defer second.Close()
		expectClose(t, second, websocket.ClosePolicyViolation)
		first.Close()
	})

	t.Run("shutdown refuses new connections", func(t *testing.T) {
		env2 := newTestEnv(t, bus.NewChannelBus(16))
		env2.addSubject(t, "u1")
		env2.gw.Shutdown()
		_, resp, err := env2.tryDial("u1", "doc-1", "conn-1")
		if err == nil {
			t.Fatal("expected dial failure")
		}
		if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("status = %v, want 503", resp)
		}
	})
}

func TestHandshakeAndPresence(t *testing.T) {
	env := newTestEnv(t, bus.NewChannelBus(16))
	env.addSubject(t, "u-a")
	env.addSubject(t, "u-b")

	wsA := env.dial(t, "u-a", "doc-1", "conn-a")

	hs := readEnvelope(t, wsA)
	if hs.Type != models.EventHandshake {
		t.Fatalf("first frame type = %s, want handshake", hs.Type)
	}
	var hsPayload models.HandshakePayload
	if err := json.Unmarshal(hs.Payload, &hsPayload); err != nil {
		t.Fatalf("unmarshal handshake: %v", err)
	}
	if hsPayload.ConnectionID != "conn-a" {
		t.Errorf("handshake connection_id = %q, want conn-a", hsPayload.ConnectionID)
	}
	if len(hsPayload.ActiveUsers) != 0 {
		t.Errorf("first client sees %d active users, want 0", len(hsPayload.ActiveUsers))
	}

	wsB := env.dial(t, "u-b", "doc-1", "conn-b")

	hsB := readEnvelope(t, wsB)
	var hsBPayload models.HandshakePayload
	if err := json.Unmarshal(hsB.Payload, &hsBPayload); err != nil {
		t.Fatalf("unmarshal handshake: %v", err)
	}
	if len(hsBPayload.ActiveUsers) != 1 || hsBPayload.ActiveUsers[0].ConnectionID != "conn-a" {
		t.Errorf("second client active users = %+v, want [conn-a]", hsBPayload.ActiveUsers)
	}

	// The earlier client is told about the new arrival.
	connected := readEnvelope(t, wsA)
	if connected.Type != models.EventUserConnected {
		t.Fatalf("type = %s, want user_connected", connected.Type)
	}
	var cp models.UserConnectedPayload
	if err := json.Unmarshal(connected.Payload, &cp); err != nil {
		t.Fatalf("unmarshal user_connected: %v", err)
	}
	if cp.UserID != "u-b" || cp.ConnectionID != "conn-b" {
		t.Errorf("user_connected payload = %+v", cp)
	}

	// Departure announces user_disconnected to the remaining client.
	wsB.Close()
	disconnected := readEnvelope(t, wsA)
	if disconnected.Type != models.EventUserDisconnected {
		t.Fatalf("type = %s, want user_disconnected", disconnected.Type)
	}
	var dp models.UserDisconnectedPayload
	if err := json.Unmarshal(disconnected.Payload, &dp); err != nil {
		t.Fatalf("unmarshal user_disconnected: %v", err)
	}
	if dp.UserID != "u-b" {
		t.Errorf("user_disconnected user_id = %q, want u-b", dp.UserID)
	}
}

func TestMousePositionEchoSuppressionAndIdentity(t *testing.T) {
	env := newTestEnv(t, bus.NewChannelBus(16))
	env.addSubject(t, "u-a")
	env.addSubject(t, "u-b")

	wsA := env.dial(t, "u-a", "doc-1", "conn-a")
	readEnvelope(t, wsA) // handshake
	wsB := env.dial(t, "u-b", "doc-1", "conn-b")
	readEnvelope(t, wsB) // handshake
	readEnvelope(t, wsA) // user_connected conn-b

	// The client lies about its identity; the enricher overwrites it.
	frame := []byte(`{"type":"mouse_position","payload":{"user_id":"spoofed","username":"spoofed","x":0.25,"y":0.75,"page":3,"visible":true}}`)
	if err := wsA.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	got := readEnvelope(t, wsB)
	if got.Type != models.EventMousePosition {
		t.Fatalf("type = %s, want mouse_position", got.Type)
	}
	if got.OriginatingConnectionID != "conn-a" {
		t.Errorf("origin = %q, want conn-a", got.OriginatingConnectionID)
	}
	var pos models.MousePositionPayload
	if err := json.Unmarshal(got.Payload, &pos); err != nil {
		t.Fatalf("unmarshal mouse_position: %v", err)
	}
	if pos.UserID != "u-a" || pos.Username != "user-u-a" {
		t.Errorf("identity not overwritten: %+v", pos)
	}
	if pos.X != 0.25 || pos.Y != 0.75 || pos.Page != 3 || !pos.Visible {
		t.Errorf("coordinates mangled: %+v", pos)
	}

	// The sender must not receive its own event. Publish a marker afterwards;
	// the next frame A sees must be the marker, not the echo.
	marker, err := models.NewEnvelope(models.EventViewModeChanged, "doc-1", "document", models.ViewModeChangedPayload{
		DocumentID: "doc-1",
		ViewMode:   models.ViewModePublic,
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := env.gw.Publish(context.Background(), marker); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	next := readEnvelope(t, wsA)
	if next.EventID != marker.EventID {
		t.Errorf("sender received %s (%s) instead of the marker, echo not suppressed", next.Type, next.EventID)
	}
}

func TestItemEventFiltering(t *testing.T) {
	env := newTestEnv(t, bus.NewChannelBus(16))
	env.addSubject(t, "u-author")
	env.addSubject(t, "u-other")

	wsAuthor := env.dial(t, "u-author", "doc-1", "conn-author")
	readEnvelope(t, wsAuthor)
	wsOther := env.dial(t, "u-other", "doc-1", "conn-other")
	readEnvelope(t, wsOther)
	readEnvelope(t, wsAuthor) // user_connected

	private, err := models.NewEnvelope(models.EventCreate, "doc-1", "comment", models.Item{
		ID:         "c-private",
		AuthorID:   "u-author",
		Visibility: models.VisibilityPrivate,
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	public, err := models.NewEnvelope(models.EventCreate, "doc-1", "comment", models.Item{
		ID:         "c-public",
		AuthorID:   "u-author",
		Visibility: models.VisibilityPublic,
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	ctx := context.Background()
	if err := env.gw.Publish(ctx, private); err != nil {
		t.Fatalf("Publish private: %v", err)
	}
	if err := env.gw.Publish(ctx, public); err != nil {
		t.Fatalf("Publish public: %v", err)
	}

	gotAuthor := readEnvelope(t, wsAuthor)
	if gotAuthor.EventID != private.EventID {
		t.Errorf("author first event = %s, want the private item", gotAuthor.EventID)
	}
	gotAuthor = readEnvelope(t, wsAuthor)
	if gotAuthor.EventID != public.EventID {
		t.Errorf("author second event = %s, want the public item", gotAuthor.EventID)
	}

	// The non-author must skip straight to the public item.
	gotOther := readEnvelope(t, wsOther)
	if gotOther.EventID != public.EventID {
		t.Errorf("non-author received %s, want only the public item", gotOther.EventID)
	}
}

func TestRestrictedViewModeAppliesToNextEvent(t *testing.T) {
	env := newTestEnv(t, bus.NewChannelBus(16))
	env.addSubject(t, "u-author")
	env.addSubject(t, "u-other")
	env.addSubject(t, "u-priv", models.PermissionViewRestrictedComments)

	wsOther := env.dial(t, "u-other", "doc-1", "conn-other")
	readEnvelope(t, wsOther)
	wsPriv := env.dial(t, "u-priv", "doc-1", "conn-priv")
	readEnvelope(t, wsPriv)
	readEnvelope(t, wsOther) // user_connected conn-priv

	publish := func(id string) *models.Envelope {
		t.Helper()
		env2, err := models.NewEnvelope(models.EventCreate, "doc-1", "comment", models.Item{
			ID:         id,
			AuthorID:   "u-author",
			Visibility: models.VisibilityPublic,
		})
		if err != nil {
			t.Fatalf("NewEnvelope: %v", err)
		}
		if err := env.gw.Publish(context.Background(), env2); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		return env2
	}

	before := publish("c-before")
	if got := readEnvelope(t, wsOther); got.EventID != before.EventID {
		t.Fatalf("expected the pre-toggle event, got %s", got.EventID)
	}
	readEnvelope(t, wsPriv)

	env.policies.SetViewMode("doc-1", models.ViewModeRestricted)
	hidden := publish("c-hidden")

	// The privileged viewer still sees it; receiving it proves the hub has
	// evaluated the event under restricted mode before the toggle below.
	if got := readEnvelope(t, wsPriv); got.EventID != hidden.EventID {
		t.Fatalf("privileged viewer received %s, want the restricted-mode event", got.EventID)
	}

	env.policies.SetViewMode("doc-1", models.ViewModePublic)
	after := publish("c-after")

	if got := readEnvelope(t, wsOther); got.EventID != after.EventID {
		t.Errorf("received %s, want only the post-toggle event (restricted-mode event must be withheld)", got.EventID)
	}
}

func TestRevokedSubjectDisconnectedOnNextEvent(t *testing.T) {
	env := newTestEnv(t, bus.NewChannelBus(16))
	env.addSubject(t, "u-a")

	wsA := env.dial(t, "u-a", "doc-1", "conn-a")
	readEnvelope(t, wsA)

	env.resolver.revoked.Store(true)

	trigger, err := models.NewEnvelope(models.EventViewModeChanged, "doc-1", "document", models.ViewModeChangedPayload{
		DocumentID: "doc-1",
		ViewMode:   models.ViewModeRestricted,
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := env.gw.Publish(context.Background(), trigger); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	expectClose(t, wsA, websocket.ClosePolicyViolation)
}

func TestAnonymousGuestAccess(t *testing.T) {
	env := newTestEnv(t, bus.NewChannelBus(16))
	env.addSubject(t, "u-author")
	env.policies.Set("doc-guest", models.ResourcePolicy{
		ViewMode:    models.ViewModePublic,
		Visibility:  models.VisibilityPublic,
		AllowGuests: true,
	})

	t.Run("guestless document refuses anonymous", func(t *testing.T) {
		_, resp, err := env.tryDial("", "doc-1", "conn-anon")
		if err == nil {
			t.Fatal("expected dial failure")
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %v, want 403", resp)
		}
	})

	t.Run("guest-enabled document admits anonymous", func(t *testing.T) {
		wsAnon := env.dial(t, "", "doc-guest", "conn-anon")

		hs := readEnvelope(t, wsAnon)
		if hs.Type != models.EventHandshake {
			t.Fatalf("first frame type = %s, want handshake", hs.Type)
		}

		// Delivery resolves the anonymous identity like any other subject.
		public, err := models.NewEnvelope(models.EventCreate, "doc-guest", "comment", models.Item{
			ID:         "c-public",
			AuthorID:   "u-author",
			Visibility: models.VisibilityPublic,
		})
		if err != nil {
			t.Fatalf("NewEnvelope: %v", err)
		}
		if err := env.gw.Publish(context.Background(), public); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if got := readEnvelope(t, wsAnon); got.EventID != public.EventID {
			t.Errorf("anonymous viewer received %s, want the public item", got.EventID)
		}

		// Private items stay hidden from the anonymous viewer.
		private, err := models.NewEnvelope(models.EventCreate, "doc-guest", "comment", models.Item{
			ID:         "c-private",
			AuthorID:   "u-author",
			Visibility: models.VisibilityPrivate,
		})
		if err != nil {
			t.Fatalf("NewEnvelope: %v", err)
		}
		if err := env.gw.Publish(context.Background(), private); err != nil {
			t.Fatalf("Publish private: %v", err)
		}
		marker, err := models.NewEnvelope(models.EventViewModeChanged, "doc-guest", "document", models.ViewModeChangedPayload{
			DocumentID: "doc-guest",
			ViewMode:   models.ViewModePublic,
		})
		if err != nil {
			t.Fatalf("NewEnvelope: %v", err)
		}
		if err := env.gw.Publish(context.Background(), marker); err != nil {
			t.Fatalf("Publish marker: %v", err)
		}
		if got := readEnvelope(t, wsAnon); got.EventID != marker.EventID {
			t.Errorf("anonymous viewer received %s, want only the marker", got.EventID)
		}
	})
}

func TestSecretRotationClosesSession(t *testing.T) {
	env := newTestEnv(t, bus.NewChannelBus(16))
	env.addSubject(t, "u-a")

	wsA := env.dial(t, "u-a", "doc-1", "conn-a")
	readEnvelope(t, wsA)

	// "Log out everywhere": the subject still exists but its secret changed.
	if _, err := env.store.RotateSecret(context.Background(), "u-a"); err != nil {
		t.Fatalf("RotateSecret: %v", err)
	}

	trigger, err := models.NewEnvelope(models.EventViewModeChanged, "doc-1", "document", models.ViewModeChangedPayload{
		DocumentID: "doc-1",
		ViewMode:   models.ViewModeRestricted,
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := env.gw.Publish(context.Background(), trigger); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	expectClose(t, wsA, websocket.ClosePolicyViolation)
}

func TestCrossInstanceFanOut(t *testing.T) {
	shared := bus.NewChannelBus(16)
	envA := newTestEnv(t, shared)
	envB := newTestEnv(t, shared)
	envA.addSubject(t, "u-a")
	envB.addSubject(t, "u-b")

	wsA := envA.dial(t, "u-a", "doc-1", "conn-a")
	readEnvelope(t, wsA)
	wsB := envB.dial(t, "u-b", "doc-1", "conn-b")
	readEnvelope(t, wsB)

	// B's arrival travels over the shared bus to A's instance.
	connected := readEnvelope(t, wsA)
	if connected.Type != models.EventUserConnected {
		t.Fatalf("type = %s, want user_connected", connected.Type)
	}

	frame := []byte(`{"type":"mouse_position","payload":{"x":0.5,"y":0.5,"page":1,"visible":true}}`)
	if err := wsA.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	got := readEnvelope(t, wsB)
	if got.Type != models.EventMousePosition {
		t.Fatalf("type = %s, want mouse_position", got.Type)
	}
	var pos models.MousePositionPayload
	if err := json.Unmarshal(got.Payload, &pos); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if pos.UserID != "u-a" {
		t.Errorf("user_id = %q, want u-a", pos.UserID)
	}
}

func TestHeartbeatRefreshesRegistry(t *testing.T) {
	env := newTestEnv(t, bus.NewChannelBus(16))
	env.addSubject(t, "u-a")

	wsA := env.dial(t, "u-a", "doc-1", "conn-a")
	readEnvelope(t, wsA)

	before := env.gw.registry.Active("doc-1")
	if len(before) != 1 {
		t.Fatalf("Active = %d, want 1", len(before))
	}

	time.Sleep(20 * time.Millisecond)
	if err := wsA.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat","payload":null}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		after := env.gw.registry.Active("doc-1")
		if len(after) == 1 && after[0].LastHeartbeatAt.After(before[0].LastHeartbeatAt) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("heartbeat never advanced LastHeartbeatAt")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOnSweepClosesAndAnnounces(t *testing.T) {
	env := newTestEnv(t, bus.NewChannelBus(16))
	env.addSubject(t, "u-a")
	env.addSubject(t, "u-b")

	wsA := env.dial(t, "u-a", "doc-1", "conn-a")
	readEnvelope(t, wsA)
	wsB := env.dial(t, "u-b", "doc-1", "conn-b")
	readEnvelope(t, wsB)
	readEnvelope(t, wsA) // user_connected conn-b

	// Simulate the sweeper having evicted conn-b.
	swept := env.gw.registry.Unregister("conn-b")
	if swept == nil {
		t.Fatal("expected conn-b in the registry")
	}
	env.gw.OnSweep([]*registry.Connection{swept})

	expectClose(t, wsB, websocket.ClosePolicyViolation)

	got := readEnvelope(t, wsA)
	if got.Type != models.EventUserDisconnected {
		t.Fatalf("type = %s, want user_disconnected", got.Type)
	}
	var dp models.UserDisconnectedPayload
	if err := json.Unmarshal(got.Payload, &dp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if dp.UserID != "u-b" {
		t.Errorf("user_id = %q, want u-b", dp.UserID)
	}
}
