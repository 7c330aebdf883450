// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

// Package config defines the gateway configuration and its koanf-based
// layered loading (defaults, optional YAML file, environment variables).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the collaboration gateway.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Auth    AuthConfig    `koanf:"auth"`
	Gateway GatewayConfig `koanf:"gateway"`
	Bus     BusConfig     `koanf:"bus"`
	Logging LoggingConfig `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host        string        `koanf:"host"`
	Port        int           `koanf:"port" validate:"gte=1,lte=65535"`
	Timeout     time.Duration `koanf:"timeout"`
	Environment string        `koanf:"environment" validate:"oneof=development production"`
	CORSOrigins []string      `koanf:"cors_origins"`
}

// AuthConfig holds the token authority settings.
//
// GlobalSecret signs the outer token envelope; the inner token is signed with
// each subject's own secret held in the subject store. Rotating a subject
// secret is the only revocation mechanism, so there is no blacklist to
// configure here.
type AuthConfig struct {
	// GlobalSecret must be at least 32 characters in production.
	GlobalSecret string `koanf:"global_secret"`

	AccessTokenTTL  time.Duration `koanf:"access_token_ttl"`
	RefreshTokenTTL time.Duration `koanf:"refresh_token_ttl"`
	GuestRefreshTTL time.Duration `koanf:"guest_refresh_ttl"`

	// CookieSecure marks the access/refresh cookies Secure. Disable only for
	// local development over plain HTTP.
	CookieSecure bool `koanf:"cookie_secure"`

	// SubjectStore selects the subject-secret store backend.
	SubjectStore string `koanf:"subject_store" validate:"oneof=memory badger"`

	// SubjectStorePath is the badger directory when subject_store=badger.
	SubjectStorePath string `koanf:"subject_store_path"`
}

// GatewayConfig holds the WebSocket gateway settings.
type GatewayConfig struct {
	// HeartbeatInterval is the cadence clients are told to send heartbeats at.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`

	// HeartbeatTimeout is the liveness cutoff applied by the sweeper. Must
	// exceed HeartbeatInterval so one missed heartbeat is tolerated.
	HeartbeatTimeout time.Duration `koanf:"heartbeat_timeout"`

	// SweepInterval is how often the registry sweeper runs.
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// SendBuffer is the per-connection outbound queue length. A connection
	// that falls this far behind is closed rather than stalling the fan-out.
	SendBuffer int `koanf:"send_buffer" validate:"gte=1"`

	// MaxMessageSize caps inbound client frames in bytes.
	MaxMessageSize int64 `koanf:"max_message_size" validate:"gte=512"`

	// WriteWait bounds a single socket write.
	WriteWait time.Duration `koanf:"write_wait"`

	// InboundRate and InboundBurst throttle client-originated messages
	// (mouse_position floods in particular), tokens per second.
	InboundRate  float64 `koanf:"inbound_rate" validate:"gt=0"`
	InboundBurst int     `koanf:"inbound_burst" validate:"gte=1"`
}

// BusConfig holds the event-bus adapter settings.
type BusConfig struct {
	// Driver selects the broker: "nats" for production fan-out across
	// instances, "channel" for a single-process in-memory bus.
	Driver string `koanf:"driver" validate:"oneof=nats channel"`

	URL string `koanf:"url"`

	// EmbeddedServer starts an in-process NATS server. Single-binary
	// deployments keep cross-instance semantics without operating a broker.
	EmbeddedServer bool `koanf:"embedded_server"`
	EmbeddedPort   int  `koanf:"embedded_port"`

	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`

	// SubscribeBuffer is the per-subscription channel depth before a slow
	// consumer is considered stalled.
	SubscribeBuffer int `koanf:"subscribe_buffer" validate:"gte=1"`

	// Circuit breaker around publish.
	BreakerEnabled     bool          `koanf:"breaker_enabled"`
	BreakerMaxFailures uint32        `koanf:"breaker_max_failures"`
	BreakerTimeout     time.Duration `koanf:"breaker_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns the built-in defaults, applied before file and
// environment layers.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8632,
			Timeout:     30 * time.Second,
			Environment: "development",
			CORSOrigins: []string{"*"},
		},
		Auth: AuthConfig{
			GlobalSecret:     "",
			AccessTokenTTL:   12 * time.Hour,
			RefreshTokenTTL:  3 * 24 * time.Hour,
			GuestRefreshTTL:  30 * 24 * time.Hour,
			CookieSecure:     true,
			SubjectStore:     "memory",
			SubjectStorePath: "/data/subjects",
		},
		Gateway: GatewayConfig{
			HeartbeatInterval: 3 * time.Minute,
			HeartbeatTimeout:  4 * time.Minute,
			SweepInterval:     30 * time.Second,
			SendBuffer:        256,
			MaxMessageSize:    64 * 1024,
			WriteWait:         10 * time.Second,
			InboundRate:       25,
			InboundBurst:      50,
		},
		Bus: BusConfig{
			Driver:             "nats",
			URL:                "nats://127.0.0.1:4222",
			EmbeddedServer:     false,
			EmbeddedPort:       4222,
			MaxReconnects:      -1,
			ReconnectWait:      2 * time.Second,
			SubscribeBuffer:    256,
			BreakerEnabled:     true,
			BreakerMaxFailures: 5,
			BreakerTimeout:     15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Validate checks structural constraints (via validator tags) and the
// cross-field invariants the tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	if len(c.Auth.GlobalSecret) < 32 {
		if c.Server.Environment == "production" {
			return fmt.Errorf("auth.global_secret must be at least 32 characters in production (got %d)", len(c.Auth.GlobalSecret))
		}
		if c.Auth.GlobalSecret == "" {
			return fmt.Errorf("auth.global_secret is required")
		}
	}

	if c.Gateway.HeartbeatTimeout <= c.Gateway.HeartbeatInterval {
		return fmt.Errorf("gateway.heartbeat_timeout (%s) must exceed gateway.heartbeat_interval (%s)",
			c.Gateway.HeartbeatTimeout, c.Gateway.HeartbeatInterval)
	}

	if c.Auth.SubjectStore == "badger" && c.Auth.SubjectStorePath == "" {
		return fmt.Errorf("auth.subject_store_path is required when auth.subject_store=badger")
	}

	if c.Bus.Driver == "nats" && !c.Bus.EmbeddedServer && c.Bus.URL == "" {
		return fmt.Errorf("bus.url is required when bus.driver=nats without an embedded server")
	}

	return nil
}
