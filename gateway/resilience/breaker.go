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

// Package resilience wraps upstream provider calls with the three
// mechanisms that keep a flaky vendor from taking the gateway down with
// it: a per-key circuit breaker, an in-flight request deduplicator, and a
// TTL response cache.
package resilience

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"crossaudit/platform/shared/logger"
)

// Circuit states.
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// CircuitOpenError is returned when a call fails fast because the circuit
// for its key is open. No network I/O was attempted.
type CircuitOpenError struct {
	Key     string
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %s", e.Key, e.RetryAt.Format(time.RFC3339))
}

// BreakerSettings tunes circuit behavior.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the circuit from CLOSED to OPEN.
	FailureThreshold int

	// Cooldown is how long the circuit stays OPEN before admitting a
	// HALF_OPEN probe.
	Cooldown time.Duration
}

// DefaultBreakerSettings trips after 5 consecutive failures and cools down
// for 30 seconds.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// CircuitBreaker tracks one circuit per upstream key (provider+purpose).
// State transitions are atomic under concurrent access: simultaneous
// outcomes never double-count, and exactly one HALF_OPEN probe is admitted
// at a time via a compare-and-set on the probe flag.
type CircuitBreaker struct {
	settings BreakerSettings
	log      *logger.Logger

	mu       sync.Mutex
	circuits map[string]*circuit

	now func() time.Time
}

type circuit struct {
	mu                  sync.Mutex
	state               string
	consecutiveFailures int
	openedAt            time.Time

	// probeInFlight admits exactly one HALF_OPEN probe. 0 = free, 1 = taken.
	probeInFlight int32
}

// NewCircuitBreaker creates a breaker with the given settings.
func NewCircuitBreaker(settings BreakerSettings, log *logger.Logger) *CircuitBreaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = DefaultBreakerSettings().FailureThreshold
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = DefaultBreakerSettings().Cooldown
	}
	if log == nil {
		log = logger.New("circuit-breaker")
	}
	return &CircuitBreaker{
		settings: settings,
		log:      log,
		circuits: make(map[string]*circuit),
		now:      time.Now,
	}
}

// Execute runs fn under the circuit for key. While the circuit is OPEN the
// call fails fast with *CircuitOpenError and fn is never invoked.
func (cb *CircuitBreaker) Execute(key string, fn func() error) error {
	c := cb.circuitFor(key)

	probe, err := cb.admit(key, c)
	if err != nil {
		return err
	}

	callErr := fn()
	cb.record(key, c, probe, callErr == nil)
	return callErr
}

// State reports the current state for a key. Keys never executed are CLOSED.
func (cb *CircuitBreaker) State(key string) string {
	cb.mu.Lock()
	c, ok := cb.circuits[key]
	cb.mu.Unlock()
	if !ok {
		return StateClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// States returns a snapshot of every tracked circuit's state.
func (cb *CircuitBreaker) States() map[string]string {
	cb.mu.Lock()
	keys := make([]string, 0, len(cb.circuits))
	for k := range cb.circuits {
		keys = append(keys, k)
	}
	cb.mu.Unlock()

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = cb.State(k)
	}
	return out
}

func (cb *CircuitBreaker) circuitFor(key string) *circuit {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c, ok := cb.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		cb.circuits[key] = c
	}
	return c
}

// admit decides whether a call may proceed. It returns probe=true when the
// caller holds the single HALF_OPEN probe slot.
func (cb *CircuitBreaker) admit(key string, c *circuit) (probe bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		retryAt := c.openedAt.Add(cb.settings.Cooldown)
		if cb.now().Before(retryAt) {
			return false, &CircuitOpenError{Key: key, RetryAt: retryAt}
		}
		// Cooldown elapsed: move to HALF_OPEN and take the probe slot.
		c.state = StateHalfOpen
		if !atomic.CompareAndSwapInt32(&c.probeInFlight, 0, 1) {
			return false, &CircuitOpenError{Key: key, RetryAt: retryAt}
		}
		cb.log.Info("", "", "circuit half-open, probing", map[string]interface{}{"key": key})
		return true, nil

	case StateHalfOpen:
		if !atomic.CompareAndSwapInt32(&c.probeInFlight, 0, 1) {
			// A probe is already in flight; concurrent callers fail fast.
			return false, &CircuitOpenError{Key: key, RetryAt: c.openedAt.Add(cb.settings.Cooldown)}
		}
		return true, nil

	default:
		return false, nil
	}
}

// record applies a call outcome to the circuit.
func (cb *CircuitBreaker) record(key string, c *circuit, probe, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if probe {
		atomic.StoreInt32(&c.probeInFlight, 0)
		if success {
			c.state = StateClosed
			c.consecutiveFailures = 0
			cb.log.Info("", "", "circuit closed after successful probe", map[string]interface{}{"key": key})
		} else {
			c.state = StateOpen
			c.openedAt = cb.now()
			cb.log.Warn("", "", "circuit re-opened after failed probe", map[string]interface{}{"key": key})
		}
		return
	}

	if success {
		c.consecutiveFailures = 0
		return
	}

	c.consecutiveFailures++
	if c.state == StateClosed && c.consecutiveFailures >= cb.settings.FailureThreshold {
		c.state = StateOpen
		c.openedAt = cb.now()
		cb.log.Warn("", "", "circuit opened", map[string]interface{}{
			"key":      key,
			"failures": c.consecutiveFailures,
		})
	}
}
