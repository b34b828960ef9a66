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

package evaluator

import (
	"fmt"
	"sync"
)

// Registry tracks statically registered evaluator instances: a global set
// active for every organization plus per-organization additions. Dynamic
// code loading is deliberately unsupported; evaluators are compiled in
// and registered at startup.
type Registry struct {
	mu     sync.RWMutex
	global []Evaluator
	perOrg map[string][]Evaluator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{perOrg: make(map[string][]Evaluator)}
}

// Register adds an evaluator active for all organizations.
func (r *Registry) Register(ev Evaluator) error {
	if ev == nil || ev.Name() == "" {
		return fmt.Errorf("evaluator must have a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.global {
		if existing.Name() == ev.Name() {
			return fmt.Errorf("evaluator %q already registered", ev.Name())
		}
	}
	r.global = append(r.global, ev)
	return nil
}

// RegisterForOrg adds an evaluator active only for one organization.
func (r *Registry) RegisterForOrg(orgID string, ev Evaluator) error {
	if orgID == "" {
		return fmt.Errorf("org id is required")
	}
	if ev == nil || ev.Name() == "" {
		return fmt.Errorf("evaluator must have a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.perOrg[orgID] {
		if existing.Name() == ev.Name() {
			return fmt.Errorf("evaluator %q already registered for org %s", ev.Name(), orgID)
		}
	}
	r.perOrg[orgID] = append(r.perOrg[orgID], ev)
	return nil
}

// ActiveEvaluators returns the ordered evaluator set for an organization:
// the global set first, then org-specific additions.
func (r *Registry) ActiveEvaluators(orgID string) []Evaluator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Evaluator, 0, len(r.global)+len(r.perOrg[orgID]))
	out = append(out, r.global...)
	out = append(out, r.perOrg[orgID]...)
	return out
}
