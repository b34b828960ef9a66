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
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresAuditStore persists audit chains in PostgreSQL. The unique
// (org_id, position) index makes a broken append ordering fail loudly
// instead of silently forking a chain.
type PostgresAuditStore struct {
	db *sql.DB
}

// NewPostgresAuditStore connects and creates the audit table if missing.
func NewPostgresAuditStore(databaseURL string) (*PostgresAuditStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPostgresAuditStoreWithDB(db)
}

// NewPostgresAuditStoreWithDB wraps an existing database handle.
func NewPostgresAuditStoreWithDB(db *sql.DB) (*PostgresAuditStore, error) {
	store := &PostgresAuditStore{db: db}
	if err := store.createTable(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresAuditStore) createTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_entries (
			id UUID PRIMARY KEY,
			request_id TEXT NOT NULL,
			org_id TEXT NOT NULL,
			caller_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			payload JSONB NOT NULL,
			prev_hash TEXT NOT NULL,
			hash TEXT NOT NULL,
			position INT NOT NULL,
			UNIQUE (org_id, position)
		);
		CREATE INDEX IF NOT EXISTS idx_audit_entries_org_ts ON audit_entries(org_id, ts);
		CREATE INDEX IF NOT EXISTS idx_audit_entries_request ON audit_entries(request_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to create audit_entries table: %w", err)
	}
	return nil
}

// Append implements AuditStore.
func (s *PostgresAuditStore) Append(ctx context.Context, entry AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, request_id, org_id, caller_id, stage, ts, payload, prev_hash, hash, position)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.ID, entry.RequestID, entry.OrgID, entry.CallerID, entry.Stage,
		entry.Timestamp, []byte(entry.Payload), entry.PrevHash, entry.Hash, entry.Position)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// Tail implements AuditStore.
func (s *PostgresAuditStore) Tail(ctx context.Context, orgID string) (string, int, error) {
	var hash string
	var position int
	err := s.db.QueryRowContext(ctx, `
		SELECT hash, position FROM audit_entries
		WHERE org_id = $1
		ORDER BY position DESC
		LIMIT 1
	`, orgID).Scan(&hash, &position)
	if err == sql.ErrNoRows {
		return "", -1, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to read chain tail: %w", err)
	}
	return hash, position, nil
}

// Trail implements AuditStore with dynamic filter conditions.
func (s *PostgresAuditStore) Trail(ctx context.Context, orgID string, filter TrailFilter) ([]AuditEntry, error) {
	query := `
		SELECT id, request_id, org_id, caller_id, stage, ts, payload, prev_hash, hash, position
		FROM audit_entries
		WHERE org_id = $1
	`
	args := []interface{}{orgID}
	argIndex := 2

	if filter.RequestID != "" {
		query += fmt.Sprintf(" AND request_id = $%d", argIndex)
		args = append(args, filter.RequestID)
		argIndex++
	}
	if filter.Stage != "" {
		query += fmt.Sprintf(" AND stage = $%d", argIndex)
		args = append(args, filter.Stage)
		argIndex++
	}
	if !filter.From.IsZero() {
		query += fmt.Sprintf(" AND ts >= $%d", argIndex)
		args = append(args, filter.From)
		argIndex++
	}
	if !filter.To.IsZero() {
		query += fmt.Sprintf(" AND ts <= $%d", argIndex)
		args = append(args, filter.To)
		argIndex++
	}

	query += " ORDER BY position ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	return s.queryEntries(ctx, query, args...)
}

// Chain implements AuditStore.
func (s *PostgresAuditStore) Chain(ctx context.Context, orgID string) ([]AuditEntry, error) {
	return s.queryEntries(ctx, `
		SELECT id, request_id, org_id, caller_id, stage, ts, payload, prev_hash, hash, position
		FROM audit_entries
		WHERE org_id = $1
		ORDER BY position ASC
	`, orgID)
}

// Search implements AuditStore with case-insensitive matching against the
// stored payload, request id, and caller id.
func (s *PostgresAuditStore) Search(ctx context.Context, orgID, query string) ([]AuditEntry, error) {
	pattern := "%" + query + "%"
	return s.queryEntries(ctx, `
		SELECT id, request_id, org_id, caller_id, stage, ts, payload, prev_hash, hash, position
		FROM audit_entries
		WHERE org_id = $1
		  AND (payload::text ILIKE $2 OR request_id ILIKE $2 OR caller_id ILIKE $2)
		ORDER BY position ASC
	`, orgID, pattern)
}

// Ping implements AuditStore.
func (s *PostgresAuditStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *PostgresAuditStore) Close() error {
	return s.db.Close()
}

func (s *PostgresAuditStore) queryEntries(ctx context.Context, query string, args ...interface{}) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var payload []byte
		if err := rows.Scan(
			&entry.ID,
			&entry.RequestID,
			&entry.OrgID,
			&entry.CallerID,
			&entry.Stage,
			&entry.Timestamp,
			&payload,
			&entry.PrevHash,
			&entry.Hash,
			&entry.Position,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Payload = payload
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}
