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

package resilience

import (
	"context"
	"sync"

	"crossaudit/platform/gateway/llm"
)

// Deduplicator collapses concurrent calls sharing a fingerprint into a
// single upstream invocation. Joiners block until the leader's call
// resolves. Every caller, the leader included, receives an independent
// copy of the result (or the same error), so callers may freely mutate
// what they get back. The join-table entry is removed once the call
// resolves so later calls start fresh.
type Deduplicator struct {
	mu       sync.Mutex
	inflight map[string]*flight
}

type flight struct {
	done chan struct{}
	resp *llm.CallResponse
	err  error
}

// NewDeduplicator creates an empty deduplicator.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{inflight: make(map[string]*flight)}
}

// Do executes fn once per key among concurrent callers. The returned bool
// reports whether this caller joined an existing in-flight call rather
// than leading its own. A joiner whose context is canceled while waiting
// unblocks with the context error; the leader's call keeps running for
// the remaining joiners.
func (d *Deduplicator) Do(ctx context.Context, key string, fn func() (*llm.CallResponse, error)) (*llm.CallResponse, bool, error) {
	d.mu.Lock()
	if f, ok := d.inflight[key]; ok {
		d.mu.Unlock()
		select {
		case <-f.done:
			return f.resp.Clone(), true, f.err
		case <-ctx.Done():
			return nil, true, ctx.Err()
		}
	}

	f := &flight{done: make(chan struct{})}
	d.inflight[key] = f
	d.mu.Unlock()

	f.resp, f.err = fn()

	d.mu.Lock()
	delete(d.inflight, key)
	d.mu.Unlock()
	close(f.done)

	// The flight's response is shared with every joiner and must never be
	// written after done closes. The leader gets its own copy too, so both
	// sides are free to annotate or rewrite what they return.
	return f.resp.Clone(), false, f.err
}

// InFlight reports the number of keys currently being deduplicated.
func (d *Deduplicator) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}
