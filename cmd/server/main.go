// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

// Command server runs the real-time collaboration gateway: WebSocket event
// channels per document, the auth endpoints backing the two-layer token
// scheme, and the NATS-backed event bus connecting gateway instances.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marginalia-app/marginalia/internal/access"
	"github.com/marginalia-app/marginalia/internal/api"
	"github.com/marginalia-app/marginalia/internal/bus"
	"github.com/marginalia-app/marginalia/internal/config"
	"github.com/marginalia-app/marginalia/internal/gateway"
	"github.com/marginalia-app/marginalia/internal/logging"
	"github.com/marginalia-app/marginalia/internal/registry"
	"github.com/marginalia-app/marginalia/internal/supervisor"
	"github.com/marginalia-app/marginalia/internal/supervisor/services"
	"github.com/marginalia-app/marginalia/internal/token"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("version", version).
		Str("environment", cfg.Server.Environment).
		Msg("starting collaboration gateway")

	// Subject store: holds the per-subject signing secrets, so it must be
	// durable wherever sessions should survive a restart.
	var store token.SubjectStore
	switch cfg.Auth.SubjectStore {
	case "badger":
		badgerStore, db, err := token.OpenBadgerStore(cfg.Auth.SubjectStorePath)
		if err != nil {
			return fmt.Errorf("open subject store: %w", err)
		}
		defer db.Close()
		store = badgerStore
	default:
		store = token.NewMemoryStore()
	}

	authority, err := token.NewAuthority(token.Config{
		GlobalSecret:    cfg.Auth.GlobalSecret,
		AccessTTL:       cfg.Auth.AccessTokenTTL,
		RefreshTTL:      cfg.Auth.RefreshTokenTTL,
		GuestRefreshTTL: cfg.Auth.GuestRefreshTTL,
	}, store)
	if err != nil {
		return fmt.Errorf("create token authority: %w", err)
	}

	eventBus, embedded, err := buildBus(cfg)
	if err != nil {
		return err
	}
	defer eventBus.Close()
	if embedded != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := embedded.Shutdown(ctx); err != nil {
				logging.Warn().Err(err).Msg("embedded nats shutdown incomplete")
			}
		}()
	}

	reg := registry.New()
	filter := access.New()
	policies := gateway.NewMemoryPolicyProvider(gateway.DefaultPolicy())

	gw := gateway.New(gateway.Config{
		SendBuffer:     cfg.Gateway.SendBuffer,
		MaxMessageSize: cfg.Gateway.MaxMessageSize,
		WriteWait:      cfg.Gateway.WriteWait,
		InboundRate:    cfg.Gateway.InboundRate,
		InboundBurst:   cfg.Gateway.InboundBurst,
		CheckOrigin:    originChecker(cfg.Server.CORSOrigins),
	}, gateway.Options{
		Registry: reg,
		Bus:      eventBus,
		Filter:   filter,
		Policies: policies,
		Resolver: gateway.NewStoreResolver(store),
	})
	defer gw.Shutdown()

	router := api.NewRouter(api.RouterOptions{
		Authority: authority,
		Store:     store,
		Gateway:   gw,
		Registry:  reg,
		Bus:       eventBus,
		Policies:  policies,
		Filter:    filter,
		Middleware: api.NewChiMiddleware(&api.ChiMiddlewareConfig{
			CORSAllowedOrigins: cfg.Server.CORSOrigins,
			RateLimitRequests:  100,
			RateLimitWindow:    time.Minute,
		}),
		CookieSecure: cfg.Auth.CookieSecure,
		Version:      version,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router.Setup(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: WebSocket connections outlive any sane value.
		IdleTimeout: 120 * time.Second,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddRealtimeService(registry.NewSweeper(reg, cfg.Gateway.SweepInterval, cfg.Gateway.HeartbeatTimeout, gw.OnSweep))
	tree.AddRealtimeService(bus.NewMonitor(eventBus, 15*time.Second))
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.Timeout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Str("addr", server.Addr).Msg("listening")
	err = tree.Serve(ctx)

	logging.Info().Msg("shutting down")
	gw.Shutdown()

	if report, reportErr := tree.UnstoppedServiceReport(); reportErr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("service did not stop within timeout")
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildBus constructs the configured bus driver, starting the embedded NATS
// server first when enabled.
func buildBus(cfg *config.Config) (bus.Bus, *bus.EmbeddedServer, error) {
	if cfg.Bus.Driver == "channel" {
		logging.Info().Msg("using in-process channel bus; events will not cross instances")
		return bus.NewChannelBus(int64(cfg.Bus.SubscribeBuffer)), nil, nil
	}

	url := cfg.Bus.URL
	var embedded *bus.EmbeddedServer
	if cfg.Bus.EmbeddedServer {
		srv, err := bus.NewEmbeddedServer(bus.EmbeddedServerConfig{
			Host: "127.0.0.1",
			Port: cfg.Bus.EmbeddedPort,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("start embedded nats: %w", err)
		}
		embedded = srv
		url = srv.ClientURL()
		logging.Info().Str("url", url).Msg("embedded nats server started")
	}

	natsCfg := bus.NATSConfig{
		URL:             url,
		MaxReconnects:   cfg.Bus.MaxReconnects,
		ReconnectWait:   cfg.Bus.ReconnectWait,
		SubscribeBuffer: cfg.Bus.SubscribeBuffer,
	}
	if cfg.Bus.BreakerEnabled {
		natsCfg.BreakerMaxFailures = cfg.Bus.BreakerMaxFailures
		natsCfg.BreakerTimeout = cfg.Bus.BreakerTimeout
	}

	b, err := bus.NewNATSBus(natsCfg)
	if err != nil {
		if embedded != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = embedded.Shutdown(shutdownCtx)
		}
		return nil, nil, fmt.Errorf("connect nats bus: %w", err)
	}
	return b, embedded, nil
}

// originChecker builds the WebSocket upgrade origin check from the CORS
// allowlist. A "*" entry allows any origin; an empty list falls back to
// gorilla's same-origin default.
func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
