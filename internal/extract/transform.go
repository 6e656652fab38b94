// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

package extract

import (
	"fmt"

	"github.com/tomtom215/ecfsync/internal/config"
	"github.com/tomtom215/ecfsync/internal/ecf"
)

// Transform rewrites one column of every row.
type Transform struct {
	Column string
	fn     func(ecf.Value) (ecf.Value, error)
}

func (t Transform) apply(row ecf.Row) error {
	v, err := t.fn(row.Get(t.Column))
	if err != nil {
		return fmt.Errorf("column %s: %w", t.Column, err)
	}
	row.Set(t.Column, v)
	return nil
}

// MapIdentity replaces non-empty values of column with their identity in
// scope. Absent and empty values pass through.
func MapIdentity(column, scope string, ids *IdentityMap) Transform {
	return Transform{
		Column: column,
		fn: func(v ecf.Value) (ecf.Value, error) {
			if !v.Valid || v.String == "" {
				return v, nil
			}
			return ecf.V(ids.Resolve(scope, v.String)), nil
		},
	}
}

// TranslateCodes replaces provider codes in column with ECF codes.
func TranslateCodes(column string, tr ecf.Translator) Transform {
	return Transform{Column: column, fn: tr.Translate}
}

// TransformsFor builds the transforms configured for a table.
func TransformsFor(tc config.TableConfig, ids *IdentityMap) ([]Transform, error) {
	var out []Transform
	for _, ic := range tc.Identities {
		out = append(out, MapIdentity(ic.Column, ic.Scope, ids))
	}
	for _, cc := range tc.Codes {
		tr, err := ecf.NewTranslator(cc.Enum, cc.Map)
		if err != nil {
			return nil, fmt.Errorf("table %s column %s: %w", tc.Name, cc.Column, err)
		}
		out = append(out, TranslateCodes(cc.Column, tr))
	}
	return out, nil
}
