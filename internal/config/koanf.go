// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in priority
// order. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/marginalia/config.yaml",
	"/etc/marginalia/config.yml",
}

// ConfigPathEnvVar overrides the config file search when set.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load builds the configuration from layered sources, highest priority last:
//
//  1. Built-in defaults (defaultConfig)
//  2. Optional YAML config file
//  3. Environment variables (MARGINALIA_* and the flat aliases below)
//
// The result is validated before being returned.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings maps flat environment variable names to koanf paths. Variables
// not listed here are ignored, which keeps unrelated environment noise out of
// the configuration.
var envMappings = map[string]string{
	"host":         "server.host",
	"port":         "server.port",
	"environment":  "server.environment",
	"cors_origins": "server.cors_origins",

	"global_secret":      "auth.global_secret",
	"access_token_ttl":   "auth.access_token_ttl",
	"refresh_token_ttl":  "auth.refresh_token_ttl",
	"guest_refresh_ttl":  "auth.guest_refresh_ttl",
	"cookie_secure":      "auth.cookie_secure",
	"subject_store":      "auth.subject_store",
	"subject_store_path": "auth.subject_store_path",

	"heartbeat_interval": "gateway.heartbeat_interval",
	"heartbeat_timeout":  "gateway.heartbeat_timeout",
	"sweep_interval":     "gateway.sweep_interval",
	"send_buffer":        "gateway.send_buffer",
	"max_message_size":   "gateway.max_message_size",
	"inbound_rate":       "gateway.inbound_rate",
	"inbound_burst":      "gateway.inbound_burst",

	"bus_driver":          "bus.driver",
	"bus_url":             "bus.url",
	"bus_embedded":        "bus.embedded_server",
	"bus_embedded_port":   "bus.embedded_port",
	"bus_max_reconnects":  "bus.max_reconnects",
	"bus_reconnect_wait":  "bus.reconnect_wait",
	"bus_breaker_enabled": "bus.breaker_enabled",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransform maps environment variable names to koanf paths. Both the
// MARGINALIA_-prefixed dotted form (MARGINALIA_GATEWAY_HEARTBEAT_TIMEOUT)
// and the flat aliases in envMappings (HEARTBEAT_TIMEOUT) are accepted.
func envTransform(key string) string {
	lower := strings.ToLower(key)

	if strings.HasPrefix(lower, "marginalia_") {
		trimmed := strings.TrimPrefix(lower, "marginalia_")
		for section := range map[string]struct{}{"server": {}, "auth": {}, "gateway": {}, "bus": {}, "logging": {}} {
			if strings.HasPrefix(trimmed, section+"_") {
				return section + "." + strings.TrimPrefix(trimmed, section+"_")
			}
		}
		return ""
	}

	if path, ok := envMappings[lower]; ok {
		return path
	}
	return ""
}

// sliceConfigPaths lists paths parsed as comma-separated slices when they
// arrive as plain strings from the environment.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}

		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("set %s: %w", path, err)
			}
		}
	}
	return nil
}
