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
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"crossaudit/platform/shared/logger"
)

// MemoryRuleStore keeps policy rules in process memory. It backs
// single-node deployments and tests.
type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string]PolicyRule
}

// NewMemoryRuleStore creates an empty in-memory rule store.
func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{rules: make(map[string]PolicyRule)}
}

// ListRules implements RuleStore: global rules plus the organization's own,
// ordered by descending priority.
func (s *MemoryRuleStore) ListRules(_ context.Context, orgID string) ([]PolicyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []PolicyRule
	for _, r := range s.rules {
		if r.OrgID == "" || r.OrgID == orgID {
			out = append(out, r)
		}
	}
	sortRulesByPriority(out)
	return out, nil
}

// GetRule implements RuleStore.
func (s *MemoryRuleStore) GetRule(_ context.Context, id string) (PolicyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.rules[id]
	if !ok {
		return PolicyRule{}, fmt.Errorf("rule %s not found", id)
	}
	return rule, nil
}

// AddRule implements RuleStore. An empty ID is assigned.
func (s *MemoryRuleStore) AddRule(_ context.Context, rule PolicyRule) (PolicyRule, error) {
	if err := rule.Validate(); err != nil {
		return PolicyRule{}, err
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rules[rule.ID]; exists {
		return PolicyRule{}, fmt.Errorf("rule %s already exists", rule.ID)
	}
	s.rules[rule.ID] = rule
	return rule, nil
}

// UpdateRule implements RuleStore.
func (s *MemoryRuleStore) UpdateRule(_ context.Context, rule PolicyRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rules[rule.ID]
	if !ok {
		return fmt.Errorf("rule %s not found", rule.ID)
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now().UTC()
	s.rules[rule.ID] = rule
	return nil
}

// RemoveRule implements RuleStore.
func (s *MemoryRuleStore) RemoveRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return fmt.Errorf("rule %s not found", id)
	}
	delete(s.rules, id)
	return nil
}

func sortRulesByPriority(rules []PolicyRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
}

// PostgresRuleStore persists policy rules in PostgreSQL and serves reads
// from an in-memory snapshot refreshed in the background, so per-call
// decisions never wait on the database.
type PostgresRuleStore struct {
	db  *sql.DB
	log *logger.Logger

	mu       sync.RWMutex
	snapshot []PolicyRule

	refreshEvery time.Duration
	stop         chan struct{}
	stopOnce     sync.Once
}

// NewPostgresRuleStore connects, creates the rules table if missing, loads
// the initial snapshot, and starts the refresh loop.
func NewPostgresRuleStore(databaseURL string, refreshEvery time.Duration, log *logger.Logger) (*PostgresRuleStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPostgresRuleStoreWithDB(db, refreshEvery, log)
}

// NewPostgresRuleStoreWithDB wraps an existing database handle.
func NewPostgresRuleStoreWithDB(db *sql.DB, refreshEvery time.Duration, log *logger.Logger) (*PostgresRuleStore, error) {
	if refreshEvery <= 0 {
		refreshEvery = 30 * time.Second
	}

	store := &PostgresRuleStore{
		db:           db,
		log:          log,
		refreshEvery: refreshEvery,
		stop:         make(chan struct{}),
	}
	if err := store.createTable(); err != nil {
		return nil, err
	}
	if err := store.refresh(); err != nil {
		return nil, err
	}
	go store.refreshLoop()
	return store, nil
}

func (s *PostgresRuleStore) createTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS policy_rules (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			condition JSONB NOT NULL,
			action TEXT NOT NULL,
			severity TEXT NOT NULL,
			priority INT NOT NULL DEFAULT 0,
			enabled BOOLEAN NOT NULL DEFAULT true,
			org_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_policy_rules_org ON policy_rules(org_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to create policy_rules table: %w", err)
	}
	return nil
}

// ListRules implements RuleStore from the snapshot.
func (s *PostgresRuleStore) ListRules(_ context.Context, orgID string) ([]PolicyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []PolicyRule
	for _, r := range s.snapshot {
		if r.OrgID == "" || r.OrgID == orgID {
			out = append(out, r)
		}
	}
	sortRulesByPriority(out)
	return out, nil
}

// GetRule implements RuleStore.
func (s *PostgresRuleStore) GetRule(ctx context.Context, id string) (PolicyRule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, condition, action, severity, priority, enabled, org_id, created_at, updated_at
		FROM policy_rules WHERE id = $1
	`, id)
	return scanRule(row)
}

// AddRule implements RuleStore and refreshes the snapshot synchronously so
// the caller observes its own write.
func (s *PostgresRuleStore) AddRule(ctx context.Context, rule PolicyRule) (PolicyRule, error) {
	if err := rule.Validate(); err != nil {
		return PolicyRule{}, err
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	condJSON, err := json.Marshal(rule.Condition)
	if err != nil {
		return PolicyRule{}, fmt.Errorf("failed to encode condition: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policy_rules (id, name, condition, action, severity, priority, enabled, org_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rule.ID, rule.Name, condJSON, rule.Action, rule.Severity, rule.Priority, rule.Enabled, rule.OrgID, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return PolicyRule{}, fmt.Errorf("failed to insert rule: %w", err)
	}

	if err := s.refresh(); err != nil {
		s.log.Error(rule.OrgID, "", "rule snapshot refresh failed", map[string]interface{}{"error": err.Error()})
	}
	return rule, nil
}

// UpdateRule implements RuleStore.
func (s *PostgresRuleStore) UpdateRule(ctx context.Context, rule PolicyRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	condJSON, err := json.Marshal(rule.Condition)
	if err != nil {
		return fmt.Errorf("failed to encode condition: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE policy_rules
		SET name = $2, condition = $3, action = $4, severity = $5, priority = $6, enabled = $7, updated_at = $8
		WHERE id = $1
	`, rule.ID, rule.Name, condJSON, rule.Action, rule.Severity, rule.Priority, rule.Enabled, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s not found", rule.ID)
	}

	if err := s.refresh(); err != nil {
		s.log.Error(rule.OrgID, "", "rule snapshot refresh failed", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// RemoveRule implements RuleStore.
func (s *PostgresRuleStore) RemoveRule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM policy_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s not found", id)
	}

	if err := s.refresh(); err != nil {
		s.log.Error("", "", "rule snapshot refresh failed", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// Close stops the refresh loop and releases the database handle.
func (s *PostgresRuleStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return s.db.Close()
}

func (s *PostgresRuleStore) refresh() error {
	rows, err := s.db.Query(`
		SELECT id, name, condition, action, severity, priority, enabled, org_id, created_at, updated_at
		FROM policy_rules
		ORDER BY priority DESC, created_at DESC
	`)
	if err != nil {
		return fmt.Errorf("failed to query policy rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []PolicyRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			s.log.Error("", "", "skipping unreadable policy rule row", map[string]interface{}{"error": err.Error()})
			continue
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating policy rules: %w", err)
	}

	s.mu.Lock()
	s.snapshot = rules
	s.mu.Unlock()
	return nil
}

func (s *PostgresRuleStore) refreshLoop() {
	ticker := time.NewTicker(s.refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.refresh(); err != nil {
				s.log.Error("", "", "policy rule reload failed", map[string]interface{}{"error": err.Error()})
			}
		case <-s.stop:
			return
		}
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (PolicyRule, error) {
	var rule PolicyRule
	var condJSON []byte
	if err := row.Scan(
		&rule.ID,
		&rule.Name,
		&condJSON,
		&rule.Action,
		&rule.Severity,
		&rule.Priority,
		&rule.Enabled,
		&rule.OrgID,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		return PolicyRule{}, err
	}
	if err := json.Unmarshal(condJSON, &rule.Condition); err != nil {
		return PolicyRule{}, fmt.Errorf("failed to decode condition for rule %s: %w", rule.ID, err)
	}
	return rule, nil
}
