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
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"crossaudit/platform/shared/logger"
)

// Audit export formats.
const (
	ExportJSON = "json"
	ExportCSV  = "csv"
)

// ChainStatus reports the result of walking one organization's audit chain
// and recomputing every hash from the first entry forward.
type ChainStatus struct {
	OrgID           string `json:"org_id"`
	Verified        bool   `json:"verified"`
	Entries         int    `json:"entries"`
	FirstDivergence int    `json:"first_divergence"` // -1 when verified
	Detail          string `json:"detail,omitempty"`
}

// Terminal markers older than terminalRetention are evicted once the map
// reaches terminalSweepSize entries, so duplicate terminal writes are only
// detected within the retention window.
const (
	terminalRetention = time.Hour
	terminalSweepSize = 4096
)

type terminalRecord struct {
	stage string
	at    time.Time
}

// AuditLogger records every request, completion, and error as an immutable
// hash-linked entry. Appends within one organization are serialized so each
// entry's hash covers the true predecessor; different organizations append
// independently.
type AuditLogger struct {
	store AuditStore
	log   *logger.Logger

	mu       sync.Mutex
	orgLocks map[string]*sync.Mutex
	terminal map[string]terminalRecord // request id -> terminal stage already written
}

// NewAuditLogger creates an audit logger over the given store.
func NewAuditLogger(store AuditStore, log *logger.Logger) *AuditLogger {
	return &AuditLogger{
		store:    store,
		log:      log,
		orgLocks: make(map[string]*sync.Mutex),
		terminal: make(map[string]terminalRecord),
	}
}

// LogRequest records the intake entry for a call.
func (l *AuditLogger) LogRequest(ctx context.Context, requestID, orgID, callerID string, payload interface{}) error {
	return l.append(ctx, requestID, orgID, callerID, StageRequest, payload)
}

// LogComplete records the successful terminal entry for a call.
func (l *AuditLogger) LogComplete(ctx context.Context, requestID, orgID, callerID string, payload interface{}) error {
	return l.appendTerminal(ctx, requestID, orgID, callerID, StageComplete, payload)
}

// LogError records the failed terminal entry for a call.
func (l *AuditLogger) LogError(ctx context.Context, requestID, orgID, callerID string, callErr error, payload interface{}) error {
	body := map[string]interface{}{"error": callErr.Error()}
	if payload != nil {
		body["detail"] = payload
	}
	return l.appendTerminal(ctx, requestID, orgID, callerID, StageError, body)
}

func (l *AuditLogger) appendTerminal(ctx context.Context, requestID, orgID, callerID, stage string, payload interface{}) error {
	l.mu.Lock()
	if prior, done := l.terminal[requestID]; done {
		l.mu.Unlock()
		return &AuditWriteError{
			RequestID: requestID,
			Stage:     stage,
			Cause:     fmt.Errorf("request already terminated with stage %s", prior.stage),
		}
	}
	if len(l.terminal) >= terminalSweepSize {
		l.sweepTerminalsLocked(time.Now())
	}
	l.terminal[requestID] = terminalRecord{stage: stage, at: time.Now()}
	l.mu.Unlock()

	if err := l.append(ctx, requestID, orgID, callerID, stage, payload); err != nil {
		l.mu.Lock()
		delete(l.terminal, requestID)
		l.mu.Unlock()
		return err
	}
	return nil
}

func (l *AuditLogger) append(ctx context.Context, requestID, orgID, callerID, stage string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &AuditWriteError{RequestID: requestID, Stage: stage, Cause: err}
	}

	lock := l.orgLock(orgID)
	lock.Lock()
	defer lock.Unlock()

	prevHash, position, err := l.store.Tail(ctx, orgID)
	if err != nil {
		return &AuditWriteError{RequestID: requestID, Stage: stage, Cause: err}
	}

	entry := AuditEntry{
		ID:        uuid.New().String(),
		RequestID: requestID,
		OrgID:     orgID,
		CallerID:  callerID,
		Stage:     stage,
		Timestamp: time.Now().UTC(),
		Payload:   body,
		PrevHash:  prevHash,
		Hash:      chainHash(body, prevHash),
		Position:  position + 1,
	}

	if err := l.store.Append(ctx, entry); err != nil {
		return &AuditWriteError{RequestID: requestID, Stage: stage, Cause: err}
	}
	return nil
}

// GetAuditTrail returns an organization's entries matching the filter.
func (l *AuditLogger) GetAuditTrail(ctx context.Context, orgID string, filter TrailFilter) ([]AuditEntry, error) {
	return l.store.Trail(ctx, orgID, filter)
}

// AuditStatistics aggregates one organization's trail over a window.
type AuditStatistics struct {
	OrgID    string         `json:"org_id"`
	Total    int            `json:"total"`
	ByStage  map[string]int `json:"by_stage"`
	ByCaller map[string]int `json:"by_caller"`
}

// GetAuditStatistics counts trail entries by stage and caller within the
// filter's time window.
func (l *AuditLogger) GetAuditStatistics(ctx context.Context, orgID string, filter TrailFilter) (AuditStatistics, error) {
	entries, err := l.store.Trail(ctx, orgID, filter)
	if err != nil {
		return AuditStatistics{}, err
	}

	stats := AuditStatistics{
		OrgID:    orgID,
		Total:    len(entries),
		ByStage:  make(map[string]int),
		ByCaller: make(map[string]int),
	}
	for _, entry := range entries {
		stats.ByStage[entry.Stage]++
		stats.ByCaller[entry.CallerID]++
	}
	return stats, nil
}

// SearchAuditLogs free-text matches against stored payload fields, scoped
// to one organization.
func (l *AuditLogger) SearchAuditLogs(ctx context.Context, orgID, query string) ([]AuditEntry, error) {
	return l.store.Search(ctx, orgID, query)
}

// ExportAuditTrail serializes the filtered trail as a JSON array or flat CSV.
func (l *AuditLogger) ExportAuditTrail(ctx context.Context, orgID, format string, filter TrailFilter) ([]byte, error) {
	entries, err := l.store.Trail(ctx, orgID, filter)
	if err != nil {
		return nil, err
	}

	switch format {
	case ExportJSON:
		if entries == nil {
			entries = []AuditEntry{}
		}
		return json.Marshal(entries)
	case ExportCSV:
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		header := []string{"position", "request_id", "org_id", "caller_id", "stage", "timestamp", "prev_hash", "hash", "payload"}
		if err := w.Write(header); err != nil {
			return nil, err
		}
		for _, e := range entries {
			record := []string{
				strconv.Itoa(e.Position),
				e.RequestID,
				e.OrgID,
				e.CallerID,
				e.Stage,
				e.Timestamp.Format(time.RFC3339Nano),
				e.PrevHash,
				e.Hash,
				string(e.Payload),
			}
			if err := w.Write(record); err != nil {
				return nil, err
			}
		}
		w.Flush()
		return buf.Bytes(), w.Error()
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

// GetChainVerificationStatus recomputes the hash chain from the first entry
// forward and reports the first point of divergence, if any.
func (l *AuditLogger) GetChainVerificationStatus(ctx context.Context, orgID string) (ChainStatus, error) {
	chain, err := l.store.Chain(ctx, orgID)
	if err != nil {
		return ChainStatus{}, err
	}

	status := ChainStatus{OrgID: orgID, Verified: true, Entries: len(chain), FirstDivergence: -1}

	prevHash := ""
	for i, entry := range chain {
		if entry.Position != i {
			status.Verified = false
			status.FirstDivergence = i
			status.Detail = fmt.Sprintf("entry at index %d has position %d, chain is missing entries", i, entry.Position)
			return status, nil
		}
		if entry.PrevHash != prevHash {
			status.Verified = false
			status.FirstDivergence = i
			status.Detail = fmt.Sprintf("entry %d does not link to its predecessor", i)
			return status, nil
		}
		if recomputed := chainHash(entry.Payload, prevHash); recomputed != entry.Hash {
			status.Verified = false
			status.FirstDivergence = i
			status.Detail = fmt.Sprintf("entry %d hash does not match its payload", i)
			return status, nil
		}
		prevHash = entry.Hash
	}
	return status, nil
}

// IsHealthy reports whether the backing store is reachable.
func (l *AuditLogger) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return l.store.Ping(ctx) == nil
}

// sweepTerminalsLocked drops terminal markers older than terminalRetention.
// Callers must hold l.mu.
func (l *AuditLogger) sweepTerminalsLocked(now time.Time) {
	for id, rec := range l.terminal {
		if now.Sub(rec.at) > terminalRetention {
			delete(l.terminal, id)
		}
	}
}

func (l *AuditLogger) orgLock(orgID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.orgLocks[orgID]
	if !ok {
		lock = &sync.Mutex{}
		l.orgLocks[orgID] = lock
	}
	return lock
}

// chainHash links an entry to its predecessor: the digest covers the entry
// payload and the previous entry's hash.
func chainHash(payload []byte, prevHash string) string {
	h := sha256.New()
	h.Write(payload)
	h.Write([]byte(prevHash))
	return hex.EncodeToString(h.Sum(nil))
}
