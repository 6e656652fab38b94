// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

package extract

import (
	"sync"

	"github.com/google/uuid"
)

// identityNamespace roots all provider namespaces.
var identityNamespace = uuid.MustParse("6f1c1e3a-5b8e-4d0e-9a57-3c2f1d7b9e40")

type identityKey struct {
	scope string
	id    string
}

// IdentityMap turns source ids into stable UUIDs. The same provider, scope
// and source id always yield the same UUID (name-based, version 5), so ids
// survive across runs and diffs stay stable. A map caches lookups for one
// run and is not shared between runs.
type IdentityMap struct {
	namespace uuid.UUID

	mu  sync.Mutex
	ids map[identityKey]string
}

// NewIdentityMap returns an empty map for provider.
func NewIdentityMap(provider string) *IdentityMap {
	return &IdentityMap{
		namespace: uuid.NewSHA1(identityNamespace, []byte(provider)),
		ids:       make(map[identityKey]string),
	}
}

// Resolve returns the identity of sourceID within scope.
func (m *IdentityMap) Resolve(scope, sourceID string) string {
	k := identityKey{scope: scope, id: sourceID}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.ids[k]; ok {
		return id
	}
	id := uuid.NewSHA1(m.namespace, []byte(scope+"\x00"+sourceID)).String()
	m.ids[k] = id
	return id
}

// Len returns the number of cached identities.
func (m *IdentityMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ids)
}
