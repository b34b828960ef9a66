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
	"fmt"
	"strings"

	"crossaudit/platform/gateway/evaluator"
)

// ValidationError rejects a malformed inbound request before any pipeline
// stage runs.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid request: %s", e.Message)
}

// ContentBlockedError is the terminal outcome of a BLOCK decision. It carries
// the violated policies; the blocked content itself never leaves the system.
type ContentBlockedError struct {
	RequestID  string
	Violations []evaluator.Violation
}

func (e *ContentBlockedError) Error() string {
	kinds := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		kinds = append(kinds, v.Kind)
	}
	return fmt.Sprintf("content blocked by policy: %s", strings.Join(kinds, ", "))
}

// ViolationKinds returns the violated policy kinds for caller-facing output.
func (e *ContentBlockedError) ViolationKinds() []string {
	kinds := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		kinds = append(kinds, v.Kind)
	}
	return kinds
}

// ContextRetrievalError marks a failed document lookup. It is non-fatal:
// the pipeline degrades to empty context instead of failing the call.
type ContextRetrievalError struct {
	OrgID string
	Cause error
}

func (e *ContextRetrievalError) Error() string {
	return fmt.Sprintf("context retrieval failed for org %s: %v", e.OrgID, e.Cause)
}

func (e *ContextRetrievalError) Unwrap() error { return e.Cause }

// AuditWriteError marks a failed audit append. It must never abort the
// user-visible response, but operators need to hear about it.
type AuditWriteError struct {
	RequestID string
	Stage     string
	Cause     error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("audit write failed for request %s at stage %s: %v", e.RequestID, e.Stage, e.Cause)
}

func (e *AuditWriteError) Unwrap() error { return e.Cause }
