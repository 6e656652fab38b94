// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

package ecf

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownCode is returned for a code with no mapping.
var ErrUnknownCode = errors.New("unknown code")

// Enum is implemented by the enumerated ECF domain types.
type Enum interface {
	comparable
	ECFCode() string
}

// Gender is the ECF gender enumeration.
type Gender int

const (
	GenderUnknown Gender = iota
	GenderMale
	GenderFemale
	GenderDiverse
)

// ECFCode returns the ECF text for g, or "" for GenderUnknown.
func (g Gender) ECFCode() string {
	switch g {
	case GenderMale:
		return "m"
	case GenderFemale:
		return "f"
	case GenderDiverse:
		return "d"
	}
	return ""
}

func (g Gender) String() string {
	switch g {
	case GenderMale:
		return "male"
	case GenderFemale:
		return "female"
	case GenderDiverse:
		return "diverse"
	}
	return "unknown"
}

// Salutation is the ECF salutation enumeration.
type Salutation int

const (
	SalutationUnknown Salutation = iota
	SalutationMr
	SalutationMs
	SalutationMx
)

// ECFCode returns the ECF text for s, or "" for SalutationUnknown.
func (s Salutation) ECFCode() string {
	switch s {
	case SalutationMr:
		return "Mr"
	case SalutationMs:
		return "Ms"
	case SalutationMx:
		return "Mx"
	}
	return ""
}

func (s Salutation) String() string {
	if c := s.ECFCode(); c != "" {
		return strings.ToLower(c)
	}
	return "unknown"
}

// MaritalStatus is the ECF marital status enumeration.
type MaritalStatus int

const (
	MaritalStatusUnknown MaritalStatus = iota
	MaritalStatusSingle
	MaritalStatusMarried
	MaritalStatusDivorced
	MaritalStatusWidowed
	MaritalStatusPartnership
	MaritalStatusSeparated
)

var maritalCodes = map[MaritalStatus]string{
	MaritalStatusSingle:      "Single",
	MaritalStatusMarried:     "Married",
	MaritalStatusDivorced:    "Divorced",
	MaritalStatusWidowed:     "Widowed",
	MaritalStatusPartnership: "RegisteredPartnership",
	MaritalStatusSeparated:   "Separated",
}

// ECFCode returns the ECF text for m, or "" for MaritalStatusUnknown.
func (m MaritalStatus) ECFCode() string {
	return maritalCodes[m]
}

func (m MaritalStatus) String() string {
	if c := m.ECFCode(); c != "" {
		return strings.ToLower(c)
	}
	return "unknown"
}

// ParseGender parses an enum name or ECF code.
func ParseGender(s string) (Gender, error) {
	return parseEnum(s, GenderMale, GenderFemale, GenderDiverse)
}

// ParseSalutation parses an enum name or ECF code.
func ParseSalutation(s string) (Salutation, error) {
	return parseEnum(s, SalutationMr, SalutationMs, SalutationMx)
}

// ParseMaritalStatus parses an enum name or ECF code.
func ParseMaritalStatus(s string) (MaritalStatus, error) {
	return parseEnum(s, MaritalStatusSingle, MaritalStatusMarried, MaritalStatusDivorced,
		MaritalStatusWidowed, MaritalStatusPartnership, MaritalStatusSeparated)
}

func parseEnum[T interface {
	Enum
	fmt.Stringer
}](s string, candidates ...T) (T, error) {
	s = strings.TrimSpace(s)
	for _, c := range candidates {
		if strings.EqualFold(s, c.ECFCode()) || strings.EqualFold(s, c.String()) {
			return c, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%w: %q", ErrUnknownCode, s)
}

// CodeMap is a provider's bidirectional mapping between its own codes and an
// ECF enumeration. Provider codes are matched case-insensitively.
type CodeMap[T Enum] struct {
	toEnum   map[string]T
	fromEnum map[T]string
}

// NewCodeMap builds a mapping from provider code to enum value. When several
// provider codes map to one value, the lexically smallest is used for export.
func NewCodeMap[T Enum](mapping map[string]T) *CodeMap[T] {
	m := &CodeMap[T]{
		toEnum:   make(map[string]T, len(mapping)),
		fromEnum: make(map[T]string, len(mapping)),
	}
	codes := make([]string, 0, len(mapping))
	for code := range mapping {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		v := mapping[code]
		m.toEnum[normalizeCode(code)] = v
		if _, ok := m.fromEnum[v]; !ok {
			m.fromEnum[v] = code
		}
	}
	return m
}

// ToEnum maps a provider code.
func (m *CodeMap[T]) ToEnum(providerCode string) (T, error) {
	v, ok := m.toEnum[normalizeCode(providerCode)]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %q", ErrUnknownCode, providerCode)
	}
	return v, nil
}

// FromEnum returns the provider code for v.
func (m *CodeMap[T]) FromEnum(v T) (string, error) {
	code, ok := m.fromEnum[v]
	if !ok {
		return "", fmt.Errorf("%w: no provider code for %v", ErrUnknownCode, v)
	}
	return code, nil
}

// Translate maps a provider cell to its ECF cell. Absent and empty cells
// stay absent.
func (m *CodeMap[T]) Translate(v Value) (Value, error) {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return Absent, nil
	}
	e, err := m.ToEnum(v.String)
	if err != nil {
		return Absent, err
	}
	if code := e.ECFCode(); code != "" {
		return V(code), nil
	}
	return Absent, nil
}

// Translator converts one provider cell to an ECF cell.
type Translator interface {
	Translate(v Value) (Value, error)
}

// NewTranslator builds a CodeMap for the named enumeration from a provider
// code to enum name or ECF code mapping, as found in configuration.
func NewTranslator(enum string, mapping map[string]string) (Translator, error) {
	switch enum {
	case "gender":
		return buildCodeMap(mapping, ParseGender)
	case "salutation":
		return buildCodeMap(mapping, ParseSalutation)
	case "marital_status":
		return buildCodeMap(mapping, ParseMaritalStatus)
	}
	return nil, fmt.Errorf("unknown enumeration %q", enum)
}

func buildCodeMap[T Enum](mapping map[string]string, parse func(string) (T, error)) (Translator, error) {
	typed := make(map[string]T, len(mapping))
	for code, target := range mapping {
		v, err := parse(target)
		if err != nil {
			return nil, fmt.Errorf("mapping %q: %w", code, err)
		}
		typed[code] = v
	}
	return NewCodeMap(typed), nil
}

func normalizeCode(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
