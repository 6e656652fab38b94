// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

package remote

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/tomtom215/ecfsync/internal/config"
)

// newHTTPClient returns the HTTP client for API calls. With a token URL the
// client authenticates through the OAuth2 client-credentials flow and the
// returned token source is also used for the websocket handshake.
func newHTTPClient(cfg *config.RemoteConfig) (*http.Client, oauth2.TokenSource) {
	base := &http.Client{Timeout: cfg.Timeout}
	if cfg.TokenURL == "" {
		return base, nil
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	tokens := cc.TokenSource(tokenCtx)

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &oauth2.Transport{Source: tokens, Base: http.DefaultTransport},
	}, tokens
}
