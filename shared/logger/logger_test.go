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

package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("gateway", &buf)

	l.Info("org-1", "req-1", "request accepted", map[string]interface{}{
		"model": "gpt-4o",
	})

	var entry LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, INFO, entry.Level)
	assert.Equal(t, "gateway", entry.Component)
	assert.Equal(t, "org-1", entry.OrgID)
	assert.Equal(t, "req-1", entry.RequestID)
	assert.Equal(t, "request accepted", entry.Message)
	assert.Equal(t, "gpt-4o", entry.Fields["model"])
	assert.NotEmpty(t, entry.Timestamp)
}

func TestErrorWithCodeIncludesStatusAndError(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("gateway", &buf)

	l.ErrorWithCode("org-1", "req-2", "upstream failed", 502, assert.AnError, nil)

	var entry LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, ERROR, entry.Level)
	assert.Equal(t, float64(502), entry.Fields["status_code"])
	assert.Equal(t, assert.AnError.Error(), entry.Fields["error"])
}

func TestInfoWithDurationAddsDurationField(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("gateway", &buf)

	l.InfoWithDuration("org-1", "req-3", "call complete", 123.4, nil)

	var entry LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, 123.4, entry.Fields["duration_ms"])
}
