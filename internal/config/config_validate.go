// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/tomtom215/ecfsync/internal/logging"
	"github.com/tomtom215/ecfsync/internal/validation"
)

// Validate checks the configuration for structural errors.
//
// Values required only by the import command (school term, remote URL) are
// not checked here; see Readiness.
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return err
	}

	if err := c.validateTables(); err != nil {
		return err
	}

	if err := c.validateRemote(); err != nil {
		return err
	}

	if err := c.validateSource(); err != nil {
		return err
	}

	return c.validateLogging()
}

func (c *Config) validateTables() error {
	seen := make(map[string]struct{}, len(c.Tables))
	for i, t := range c.Tables {
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("tables[%d]: duplicate table name %q", i, t.Name)
		}
		seen[t.Name] = struct{}{}

		keys := make(map[string]struct{}, len(t.Key))
		for _, k := range t.Key {
			if _, dup := keys[k]; dup {
				return fmt.Errorf("table %s: key header %q listed twice", t.Name, k)
			}
			keys[k] = struct{}{}
		}
		for _, ex := range t.ExcludeColumns {
			if _, isKey := keys[ex]; isKey {
				return fmt.Errorf("table %s: key header %q cannot be excluded", t.Name, ex)
			}
		}
	}
	return nil
}

func (c *Config) validateRemote() error {
	if c.Remote.URL != "" {
		if err := validateHTTPURL(c.Remote.URL, "remote.url"); err != nil {
			return err
		}
	}
	if c.Remote.EventsURL != "" {
		if err := validateEventsURL(c.Remote.EventsURL); err != nil {
			return err
		}
	}
	if c.Remote.TokenURL != "" {
		if c.Remote.ClientID == "" || c.Remote.ClientSecret == "" {
			return fmt.Errorf("remote.client_id and remote.client_secret are required when remote.token_url is set")
		}
		if _, err := url.ParseRequestURI(c.Remote.TokenURL); err != nil {
			return fmt.Errorf("remote.token_url: %w", err)
		}
	}
	if c.Remote.RetryMaxInterval < c.Remote.RetryInitialInterval {
		return fmt.Errorf("remote.retry_max_interval (%v) must not be shorter than remote.retry_initial_interval (%v)",
			c.Remote.RetryMaxInterval, c.Remote.RetryInitialInterval)
	}
	return nil
}

func (c *Config) validateSource() error {
	if c.Source.Driver != "" && c.Source.DSN == "" {
		return fmt.Errorf("source.dsn is required when source.driver is %s", c.Source.Driver)
	}
	return nil
}

func (c *Config) validateLogging() error {
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of trace, debug, info, warn, error, disabled; got %q", c.Logging.Level)
	}
	return nil
}

// validateHTTPURL checks that rawURL is an http(s) base URL without query.
// A path prefix is allowed for hubs mounted below the root.
func validateHTTPURL(rawURL, fieldName string) error {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%s failed to parse URL: %w", fieldName, err)
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("%s scheme must be http or https, got: %s", fieldName, parsedURL.Scheme)
	}

	if parsedURL.Host == "" {
		return fmt.Errorf("%s host is required", fieldName)
	}

	if parsedURL.RawQuery != "" {
		return fmt.Errorf("%s should not contain query parameters, remove: ?%s", fieldName, parsedURL.RawQuery)
	}

	return nil
}

func validateEventsURL(rawURL string) error {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("remote.events_url failed to parse URL: %w", err)
	}
	switch parsedURL.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("remote.events_url scheme must be ws, wss, http or https, got: %s", parsedURL.Scheme)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("remote.events_url host is required")
	}
	return nil
}

// Readiness describes whether the import command can run with this configuration.
type Readiness struct {
	Ready   bool
	Missing []string
}

// ErrIncomplete is wrapped by Readiness.Err.
var ErrIncomplete = errors.New("configuration incomplete")

// Err returns nil when ready, otherwise an error wrapping ErrIncomplete.
func (r Readiness) Err() error {
	if r.Ready {
		return nil
	}
	return fmt.Errorf("%w: missing %s", ErrIncomplete, strings.Join(r.Missing, ", "))
}

// Readiness reports the settings an import still needs.
func (c *Config) Readiness() Readiness {
	var missing []string
	if strings.TrimSpace(c.Sync.SchoolTerm) == "" {
		missing = append(missing, "sync.school_term")
	}
	if c.Remote.URL == "" {
		missing = append(missing, "remote.url")
	}
	if c.Remote.APIKey == "" && c.Remote.TokenURL == "" {
		missing = append(missing, "remote.api_key")
	}
	if len(c.Tables) == 0 {
		missing = append(missing, "tables")
	}
	return Readiness{Ready: len(missing) == 0, Missing: missing}
}
