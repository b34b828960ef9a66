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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crossaudit/platform/gateway/llm"
)

func upstreamResponse(text string) *llm.CallResponse {
	return &llm.CallResponse{
		ID:      "resp-1",
		Choices: []llm.Choice{{Message: llm.Message{Role: llm.RoleAssistant, Content: text}}},
	}
}

// =============================================================================
// Deduplication Tests
// =============================================================================

func TestDedup_ConcurrentCallersShareOneUpstreamCall(t *testing.T) {
	d := NewDeduplicator()

	var upstreamCalls int64
	started := make(chan struct{})
	release := make(chan struct{})

	leader := func() (*llm.CallResponse, error) {
		atomic.AddInt64(&upstreamCalls, 1)
		close(started)
		<-release
		return upstreamResponse("shared"), nil
	}

	var wg sync.WaitGroup
	results := make([]*llm.CallResponse, 10)
	joins := make([]bool, 10)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], joins[0], _ = d.Do(context.Background(), "fp", leader)
	}()
	<-started

	for i := 1; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], joins[i], _ = d.Do(context.Background(), "fp", func() (*llm.CallResponse, error) {
				atomic.AddInt64(&upstreamCalls, 1)
				return upstreamResponse("duplicate"), nil
			})
		}(i)
	}

	// Give joiners time to register against the in-flight call, then resolve it.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&upstreamCalls), "exactly one upstream invocation")
	for i, r := range results {
		require.NotNil(t, r, "caller %d got no response", i)
		assert.Equal(t, "shared", r.Content())
	}
	assert.False(t, joins[0], "leader must not be marked as a joiner")
}

func TestDedup_JoinersGetIndependentCopies(t *testing.T) {
	d := NewDeduplicator()

	started := make(chan struct{})
	release := make(chan struct{})

	var leaderResp *llm.CallResponse
	var joinerResp *llm.CallResponse
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		leaderResp, _, _ = d.Do(context.Background(), "fp", func() (*llm.CallResponse, error) {
			close(started)
			<-release
			return upstreamResponse("original"), nil
		})
	}()
	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		joinerResp, _, _ = d.Do(context.Background(), "fp", nil)
	}()

	// Give the joiner time to register against the in-flight call, then resolve it.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NotNil(t, joinerResp)
	joinerResp.Choices[0].Message.Content = "mutated"
	assert.Equal(t, "original", leaderResp.Content())
}

func TestDedup_SharedError(t *testing.T) {
	d := NewDeduplicator()
	wantErr := errors.New("upstream exploded")

	resp, joined, err := d.Do(context.Background(), "fp", func() (*llm.CallResponse, error) {
		return nil, wantErr
	})

	assert.Nil(t, resp)
	assert.False(t, joined)
	assert.Equal(t, wantErr, err)
}

func TestDedup_EntryRemovedAfterResolution(t *testing.T) {
	d := NewDeduplicator()

	var calls int64
	fn := func() (*llm.CallResponse, error) {
		atomic.AddInt64(&calls, 1)
		return upstreamResponse("x"), nil
	}

	_, _, err := d.Do(context.Background(), "fp", fn)
	require.NoError(t, err)
	_, _, err = d.Do(context.Background(), "fp", fn)
	require.NoError(t, err)

	assert.Equal(t, int64(2), atomic.LoadInt64(&calls), "sequential calls start fresh")
	assert.Equal(t, 0, d.InFlight())
}

func TestDedup_JoinerUnblocksOnCancel(t *testing.T) {
	d := NewDeduplicator()

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	go func() {
		_, _, _ = d.Do(context.Background(), "fp", func() (*llm.CallResponse, error) {
			close(started)
			<-release
			return upstreamResponse("late"), nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, joined, err := d.Do(ctx, "fp", nil)
	assert.True(t, joined)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDedup_DistinctKeysDoNotJoin(t *testing.T) {
	d := NewDeduplicator()

	var calls int64
	fn := func() (*llm.CallResponse, error) {
		atomic.AddInt64(&calls, 1)
		return upstreamResponse("x"), nil
	}

	_, _, _ = d.Do(context.Background(), "fp-a", fn)
	_, _, _ = d.Do(context.Background(), "fp-b", fn)

	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestDedup_LeaderMutationInvisibleToJoiners(t *testing.T) {
	d := NewDeduplicator()

	started := make(chan struct{})
	release := make(chan struct{})
	original := upstreamResponse("raw upstream text")

	var leaderResp, joinerResp *llm.CallResponse
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		leaderResp, _, _ = d.Do(context.Background(), "fp", func() (*llm.CallResponse, error) {
			close(started)
			<-release
			return original, nil
		})
		// A leading caller rewrites and annotates what it got back.
		leaderResp.Choices[0].Message.Content = "rewritten"
		leaderResp.Audit = &llm.AuditAnnotation{RequestID: "req-leader", Rewritten: true}
	}()
	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		joinerResp, _, _ = d.Do(context.Background(), "fp", nil)
	}()

	// Give the joiner time to register against the in-flight call, then resolve it.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NotNil(t, joinerResp)
	assert.Equal(t, "raw upstream text", joinerResp.Content())
	assert.Nil(t, joinerResp.Audit)
	assert.NotSame(t, original, leaderResp, "leader must get its own copy of the flight result")
}
