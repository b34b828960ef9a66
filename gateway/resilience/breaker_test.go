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
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crossaudit/platform/shared/logger"
)

func newTestBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return NewCircuitBreaker(
		BreakerSettings{FailureThreshold: threshold, Cooldown: cooldown},
		logger.NewWithWriter("test", &bytes.Buffer{}),
	)
}

var errUpstream = errors.New("upstream down")

// =============================================================================
// State Transition Tests
// =============================================================================

func TestBreaker_StaysClosedBelowThreshold(t *testing.T) {
	cb := newTestBreaker(5, time.Minute)

	for i := 0; i < 4; i++ {
		_ = cb.Execute("openai", func() error { return errUpstream })
	}
	assert.Equal(t, StateClosed, cb.State("openai"))
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := newTestBreaker(5, time.Minute)

	for i := 0; i < 5; i++ {
		_ = cb.Execute("openai", func() error { return errUpstream })
	}
	assert.Equal(t, StateOpen, cb.State("openai"))
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker(3, time.Minute)

	_ = cb.Execute("openai", func() error { return errUpstream })
	_ = cb.Execute("openai", func() error { return errUpstream })
	require.NoError(t, cb.Execute("openai", func() error { return nil }))
	_ = cb.Execute("openai", func() error { return errUpstream })
	_ = cb.Execute("openai", func() error { return errUpstream })

	assert.Equal(t, StateClosed, cb.State("openai"))
}

func TestBreaker_OpenFailsFastWithoutCallingUpstream(t *testing.T) {
	cb := newTestBreaker(5, time.Minute)

	for i := 0; i < 5; i++ {
		_ = cb.Execute("openai", func() error { return errUpstream })
	}

	called := false
	err := cb.Execute("openai", func() error {
		called = true
		return nil
	})

	require.Error(t, err)
	var openErr *CircuitOpenError
	require.True(t, errors.As(err, &openErr))
	assert.Equal(t, "openai", openErr.Key)
	assert.False(t, called, "upstream must not be invoked while circuit is open")
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	cb := newTestBreaker(2, time.Minute)

	_ = cb.Execute("openai", func() error { return errUpstream })
	_ = cb.Execute("openai", func() error { return errUpstream })

	assert.Equal(t, StateOpen, cb.State("openai"))
	assert.Equal(t, StateClosed, cb.State("anthropic"))
	require.NoError(t, cb.Execute("anthropic", func() error { return nil }))
}

// =============================================================================
// Half-Open Probe Tests
// =============================================================================

func TestBreaker_ProbeAfterCooldownClosesOnSuccess(t *testing.T) {
	cb := newTestBreaker(2, time.Minute)

	_ = cb.Execute("openai", func() error { return errUpstream })
	_ = cb.Execute("openai", func() error { return errUpstream })
	require.Equal(t, StateOpen, cb.State("openai"))

	// Advance past the cooldown
	cb.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	require.NoError(t, cb.Execute("openai", func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State("openai"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	cb := newTestBreaker(2, time.Minute)

	_ = cb.Execute("openai", func() error { return errUpstream })
	_ = cb.Execute("openai", func() error { return errUpstream })

	cb.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.Error(t, cb.Execute("openai", func() error { return errUpstream }))

	assert.Equal(t, StateOpen, cb.State("openai"))
}

func TestBreaker_ExactlyOneProbeUnderConcurrentPressure(t *testing.T) {
	cb := newTestBreaker(2, time.Minute)

	_ = cb.Execute("openai", func() error { return errUpstream })
	_ = cb.Execute("openai", func() error { return errUpstream })
	cb.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	leaderDone := make(chan error, 1)

	go func() {
		leaderDone <- cb.Execute("openai", func() error {
			close(probeStarted)
			<-release
			return nil
		})
	}()
	<-probeStarted

	// While the probe is in flight, every other caller must fail fast.
	var rejected int64
	var wg sync.WaitGroup
	for i := 0; i < 19; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := cb.Execute("openai", func() error { return nil })
			var openErr *CircuitOpenError
			if errors.As(err, &openErr) {
				atomic.AddInt64(&rejected, 1)
			}
		}()
	}
	wg.Wait()

	close(release)
	require.NoError(t, <-leaderDone)

	assert.Equal(t, int64(19), atomic.LoadInt64(&rejected))
	assert.Equal(t, StateClosed, cb.State("openai"))
}

// =============================================================================
// Snapshot Tests
// =============================================================================

func TestBreaker_States(t *testing.T) {
	cb := newTestBreaker(1, time.Minute)

	require.NoError(t, cb.Execute("anthropic", func() error { return nil }))
	_ = cb.Execute("openai", func() error { return errUpstream })

	states := cb.States()
	assert.Equal(t, StateClosed, states["anthropic"])
	assert.Equal(t, StateOpen, states["openai"])
}
