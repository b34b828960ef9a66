// Copyright 2025 CrossAudit
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Audit entry stages. Every call produces a "request" entry at intake and
// exactly one terminal entry, "complete" or "error".
const (
	StageRequest  = "request"
	StageComplete = "complete"
	StageError    = "error"
)

// AuditEntry is one immutable link in an organization's hash chain.
type AuditEntry struct {
	ID        string          `json:"id"`
	RequestID string          `json:"request_id"`
	OrgID     string          `json:"org_id"`
	CallerID  string          `json:"caller_id"`
	Stage     string          `json:"stage"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	Position  int             `json:"position"`
}

// TrailFilter narrows audit trail retrieval. Zero values mean "no filter".
type TrailFilter struct {
	RequestID string
	Stage     string
	From      time.Time
	To        time.Time
	Limit     int
}

// AuditStore persists audit entries. Append ordering per organization is the
// logger's responsibility; stores only persist and retrieve.
type AuditStore interface {
	Append(ctx context.Context, entry AuditEntry) error
	// Tail returns the newest entry's hash and position for an organization.
	// An empty chain returns ("", -1, nil).
	Tail(ctx context.Context, orgID string) (string, int, error)
	Trail(ctx context.Context, orgID string, filter TrailFilter) ([]AuditEntry, error)
	// Chain returns the full chain in position order, for verification.
	Chain(ctx context.Context, orgID string) ([]AuditEntry, error)
	Search(ctx context.Context, orgID, query string) ([]AuditEntry, error)
	Ping(ctx context.Context) error
}

// MemoryAuditStore keeps audit chains in process memory. It backs
// single-node deployments and tests.
type MemoryAuditStore struct {
	mu     sync.RWMutex
	chains map[string][]AuditEntry
}

// NewMemoryAuditStore creates an empty in-memory audit store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{chains: make(map[string][]AuditEntry)}
}

// Append implements AuditStore.
func (s *MemoryAuditStore) Append(_ context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains[entry.OrgID] = append(s.chains[entry.OrgID], entry)
	return nil
}

// Tail implements AuditStore.
func (s *MemoryAuditStore) Tail(_ context.Context, orgID string) (string, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[orgID]
	if len(chain) == 0 {
		return "", -1, nil
	}
	last := chain[len(chain)-1]
	return last.Hash, last.Position, nil
}

// Trail implements AuditStore.
func (s *MemoryAuditStore) Trail(_ context.Context, orgID string, filter TrailFilter) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []AuditEntry
	for _, entry := range s.chains[orgID] {
		if !matchesFilter(entry, filter) {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Chain implements AuditStore.
func (s *MemoryAuditStore) Chain(_ context.Context, orgID string) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]AuditEntry(nil), s.chains[orgID]...), nil
}

// Search implements AuditStore with case-insensitive free-text matching
// against stored payloads.
func (s *MemoryAuditStore) Search(_ context.Context, orgID, query string) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(query)
	var out []AuditEntry
	for _, entry := range s.chains[orgID] {
		if strings.Contains(strings.ToLower(string(entry.Payload)), needle) ||
			strings.Contains(strings.ToLower(entry.RequestID), needle) ||
			strings.Contains(strings.ToLower(entry.CallerID), needle) {
			out = append(out, entry)
		}
	}
	return out, nil
}

// Ping implements AuditStore.
func (s *MemoryAuditStore) Ping(_ context.Context) error { return nil }

// Tamper replaces an entry's payload in place. Test helper for chain
// verification; a real store has no mutation path.
func (s *MemoryAuditStore) Tamper(orgID string, position int, payload json.RawMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[orgID]
	if position < 0 || position >= len(chain) {
		return false
	}
	chain[position].Payload = payload
	return true
}

func matchesFilter(entry AuditEntry, filter TrailFilter) bool {
	if filter.RequestID != "" && entry.RequestID != filter.RequestID {
		return false
	}
	if filter.Stage != "" && entry.Stage != filter.Stage {
		return false
	}
	if !filter.From.IsZero() && entry.Timestamp.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && entry.Timestamp.After(filter.To) {
		return false
	}
	return true
}
