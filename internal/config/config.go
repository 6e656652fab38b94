// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

// Package config loads and validates ecfsync configuration.
//
// Configuration is layered with Koanf v2 (highest priority wins):
//
//  1. Environment variables (ECFSYNC_*)
//  2. YAML file (--config flag, ECFSYNC_CONFIG, ./ecfsync.yaml, /etc/ecfsync/config.yaml)
//  3. Built-in defaults
//
// A minimal file for incremental imports:
//
//	state:
//	  dir: /var/lib/ecfsync
//	sync:
//	  school_term: "2026/27-1"
//	  provider_id: "schoolsoft"
//	remote:
//	  url: https://hub.example.org
//	  api_key: secret
//	tables:
//	  - name: Students
//	    key: [Id]
//	  - name: Teachers
//	    key: [Id]
//	    exclude_columns: [Birthdate]
package config

import (
	"path/filepath"
	"time"
)

// Config is the complete ecfsync configuration.
type Config struct {
	State   StateConfig   `koanf:"state"`
	Tables  []TableConfig `koanf:"tables" validate:"dive"`
	Sync    SyncConfig    `koanf:"sync"`
	Remote  RemoteConfig  `koanf:"remote"`
	Source  SourceConfig  `koanf:"source"`
	History HistoryConfig `koanf:"history"`
	Metrics MetricsConfig `koanf:"metrics"`
	Logging LoggingConfig `koanf:"logging"`
}

// StateConfig locates the row store and the context/manifest files.
//
// Relative context and manifest paths are resolved against Dir.
type StateConfig struct {
	Dir          string `koanf:"dir" validate:"required"`
	ContextFile  string `koanf:"context_file" validate:"required"`
	ManifestFile string `koanf:"manifest_file" validate:"required"`
}

// ContextPath returns the absolute-or-Dir-relative context file path.
func (s StateConfig) ContextPath() string {
	return s.resolve(s.ContextFile)
}

// ManifestPath returns the absolute-or-Dir-relative manifest file path.
func (s StateConfig) ManifestPath() string {
	return s.resolve(s.ManifestFile)
}

func (s StateConfig) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.Dir, p)
}

// TableConfig declares one ECF table. Declaration order drives progress output.
type TableConfig struct {
	Name string `koanf:"name" validate:"required,ecfheader"`

	// Key lists the primary-key headers in comparison order.
	Key []string `koanf:"key" validate:"min=1,dive,ecfheader"`

	// ExcludeColumns are dropped from the extracted file before diffing.
	ExcludeColumns []string `koanf:"exclude_columns" validate:"dive,ecfheader"`

	// Query is the extraction statement for the SQL row producer.
	Query string `koanf:"query"`

	// Identities replaces source ids with stable UUIDs.
	Identities []IdentityColumn `koanf:"identities" validate:"dive"`

	// Codes translates provider codes to ECF enumeration codes.
	Codes []CodeColumn `koanf:"codes" validate:"dive"`
}

// IdentityColumn maps the values of Column into the identity Scope.
// Columns in different tables referencing the same entity share a scope.
type IdentityColumn struct {
	Column string `koanf:"column" validate:"required,ecfheader"`
	Scope  string `koanf:"scope" validate:"required"`
}

// CodeColumn maps provider codes in Column to an ECF enumeration.
type CodeColumn struct {
	Column string            `koanf:"column" validate:"required,ecfheader"`
	Enum   string            `koanf:"enum" validate:"required,oneof=gender salutation marital_status"`
	Map    map[string]string `koanf:"map" validate:"required"`
}

// SyncConfig controls the import state machine.
type SyncConfig struct {
	SchoolTerm   string `koanf:"school_term"`
	ProviderID   string `koanf:"provider_id"`
	ProviderName string `koanf:"provider_name"`

	// SmartFull resends every current row as changed without a destructive resync.
	SmartFull bool `koanf:"smart_full"`

	// SkipSnapshot disables the remote point-in-time snapshot before a merge.
	SkipSnapshot bool `koanf:"skip_snapshot"`

	// SaveContextOnFailure persists the run context even when the run failed.
	SaveContextOnFailure bool `koanf:"save_context_on_failure"`

	// MergeTimeout bounds the wait for the merge outcome. Zero waits forever.
	MergeTimeout time.Duration `koanf:"merge_timeout" validate:"gte=0"`
}

// RemoteConfig configures the remote job API client.
type RemoteConfig struct {
	URL       string `koanf:"url"`
	EventsURL string `koanf:"events_url"`
	APIKey    string `koanf:"api_key"`

	// OAuth2 client credentials, used instead of APIKey when TokenURL is set.
	TokenURL     string   `koanf:"token_url"`
	ClientID     string   `koanf:"client_id"`
	ClientSecret string   `koanf:"client_secret"`
	Scopes       []string `koanf:"scopes"`

	Timeout              time.Duration `koanf:"timeout" validate:"gt=0"`
	RetryAttempts        int           `koanf:"retry_attempts" validate:"gte=0,lte=20"`
	RetryInitialInterval time.Duration `koanf:"retry_initial_interval" validate:"gt=0"`
	RetryMaxInterval     time.Duration `koanf:"retry_max_interval" validate:"gt=0"`

	// RequestsPerSecond limits outgoing requests. Zero disables the limiter.
	RequestsPerSecond float64 `koanf:"requests_per_second" validate:"gte=0"`

	BreakerFailureThreshold uint32        `koanf:"breaker_failure_threshold" validate:"gte=1"`
	BreakerTimeout          time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

// SourceConfig selects the database the extract command reads from.
type SourceConfig struct {
	Driver string `koanf:"driver" validate:"omitempty,oneof=sqlite mysql postgres"`
	DSN    string `koanf:"dsn"`
}

// HistoryConfig controls run history persistence. An empty Dir keeps history in memory.
type HistoryConfig struct {
	Dir  string `koanf:"dir"`
	Keep int    `koanf:"keep" validate:"gte=1"`
}

// MetricsConfig controls the Prometheus textfile export. An empty Textfile disables it.
type MetricsConfig struct {
	Textfile string `koanf:"textfile"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Table returns the table declaration with the given name.
func (c *Config) Table(name string) (TableConfig, bool) {
	for _, t := range c.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableConfig{}, false
}

func defaultConfig() *Config {
	return &Config{
		State: StateConfig{
			Dir:          ".",
			ContextFile:  "ecfsync.context.json",
			ManifestFile: "ecfsync.manifest.json",
		},
		Sync: SyncConfig{
			SaveContextOnFailure: true,
			MergeTimeout:         0,
		},
		Remote: RemoteConfig{
			Timeout:                 2 * time.Minute,
			RetryAttempts:           5,
			RetryInitialInterval:    time.Second,
			RetryMaxInterval:        30 * time.Second,
			RequestsPerSecond:       0,
			BreakerFailureThreshold: 5,
			BreakerTimeout:          time.Minute,
		},
		History: HistoryConfig{
			Keep: 50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
