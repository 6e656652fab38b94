// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

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

// DefaultConfigPaths lists the paths searched for a config file, in order of priority.
var DefaultConfigPaths = []string{
	"ecfsync.yaml",
	"ecfsync.yml",
	"/etc/ecfsync/config.yaml",
	"/etc/ecfsync/config.yml",
}

// ConfigPathEnvVar overrides the config file search.
const ConfigPathEnvVar = "ECFSYNC_CONFIG"

// Load loads the configuration from the default locations.
func Load() (*Config, error) {
	return LoadWithKoanf("")
}

// LoadWithKoanf loads configuration with Koanf v2 from layered sources:
//  1. Defaults
//  2. YAML file: explicitPath if set, otherwise the first of ECFSYNC_CONFIG and DefaultConfigPaths
//  3. Environment variables
//
// An explicit path that does not exist is an error; a missing default file is not.
func LoadWithKoanf(explicitPath string) (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: config file
	configPath := explicitPath
	if configPath == "" {
		configPath = findConfigFile()
	} else if _, err := os.Stat(configPath); err != nil {
		return nil, fmt.Errorf("config file %s: %w", configPath, err)
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment
	// ECFSYNC_REMOTE_URL -> remote.url
	// LOG_LEVEL -> logging.level
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first existing config file, or "".
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

// sliceConfigPaths are parsed as comma-separated lists when set from the environment.
var sliceConfigPaths = []string{
	"remote.scopes",
}

// processSliceFields converts comma-separated strings to slices for known slice fields.
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
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envMappings maps lower-cased environment variable names to koanf paths.
// Tables are only configurable from the file.
var envMappings = map[string]string{
	"ecfsync_state_dir":     "state.dir",
	"ecfsync_context_file":  "state.context_file",
	"ecfsync_manifest_file": "state.manifest_file",

	"ecfsync_school_term":             "sync.school_term",
	"ecfsync_provider_id":             "sync.provider_id",
	"ecfsync_provider_name":           "sync.provider_name",
	"ecfsync_smart_full":              "sync.smart_full",
	"ecfsync_skip_snapshot":           "sync.skip_snapshot",
	"ecfsync_save_context_on_failure": "sync.save_context_on_failure",
	"ecfsync_merge_timeout":           "sync.merge_timeout",

	"ecfsync_remote_url":                "remote.url",
	"ecfsync_remote_events_url":         "remote.events_url",
	"ecfsync_remote_api_key":            "remote.api_key",
	"ecfsync_remote_token_url":          "remote.token_url",
	"ecfsync_remote_client_id":          "remote.client_id",
	"ecfsync_remote_client_secret":      "remote.client_secret",
	"ecfsync_remote_scopes":             "remote.scopes",
	"ecfsync_remote_timeout":            "remote.timeout",
	"ecfsync_remote_retry_attempts":     "remote.retry_attempts",
	"ecfsync_remote_retry_interval":     "remote.retry_initial_interval",
	"ecfsync_remote_retry_max_interval": "remote.retry_max_interval",
	"ecfsync_remote_rps":                "remote.requests_per_second",
	"ecfsync_breaker_threshold":         "remote.breaker_failure_threshold",
	"ecfsync_breaker_timeout":           "remote.breaker_timeout",

	"ecfsync_source_driver": "source.driver",
	"ecfsync_source_dsn":    "source.dsn",

	"ecfsync_history_dir":  "history.dir",
	"ecfsync_history_keep": "history.keep",

	"ecfsync_metrics_textfile": "metrics.textfile",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc returns the koanf path for an environment variable, or ""
// to skip it so unrelated variables never reach the configuration.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
