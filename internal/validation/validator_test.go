// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

package validation

import (
	"errors"
	"strings"
	"testing"
)

type tableCfg struct {
	Name string   `koanf:"name" validate:"required,ecfheader"`
	Key  []string `koanf:"key" validate:"min=1,dive,ecfheader"`
}

type rootCfg struct {
	URL     string     `koanf:"url" validate:"required,url"`
	Retries int        `koanf:"retries" validate:"gte=0,lte=10"`
	Mode    string     `koanf:"mode" validate:"oneof=json console"`
	Tables  []tableCfg `koanf:"tables" validate:"dive"`
}

func TestStructValid(t *testing.T) {
	t.Parallel()

	cfg := rootCfg{
		URL:     "https://hub.example.org",
		Retries: 3,
		Mode:    "json",
		Tables:  []tableCfg{{Name: "Students", Key: []string{"Id"}}},
	}
	if err := Struct(&cfg); err != nil {
		t.Fatalf("Struct() = %v, want nil", err)
	}
}

func TestStructReportsKoanfNames(t *testing.T) {
	t.Parallel()

	cfg := rootCfg{
		Retries: 11,
		Mode:    "xml",
		Tables:  []tableCfg{{Name: "Bad;Name", Key: nil}},
	}
	err := Struct(&cfg)
	if err == nil {
		t.Fatal("Struct() = nil, want error")
	}

	var verr *Error
	if !errors.As(err, &verr) {
		t.Fatalf("error type = %T, want *Error", err)
	}

	msg := err.Error()
	for _, want := range []string{
		"url is required",
		"retries must be less than or equal to 10",
		"mode must be one of: json console",
		"tables[0].name must be a non-empty header name",
		"tables[0].key must have at least 1",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}

func TestGetIsSingleton(t *testing.T) {
	t.Parallel()

	if Get() != Get() {
		t.Error("Get() should return the same instance")
	}
}
