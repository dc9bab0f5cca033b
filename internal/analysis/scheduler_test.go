// ABOUTME: Tests for the analysis scheduler's retry and shutdown behavior
// ABOUTME: Uses a scripted runner to count attempts without a real pipeline

package analysis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingRunner fails the first failures attempts, then succeeds.
type countingRunner struct {
	mu       sync.Mutex
	failures int
	attempts int
	block    chan struct{} // when set, Analyze blocks until closed or ctx ends
}

func (r *countingRunner) Analyze(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	r.attempts++
	attempt := r.attempts
	block := r.block
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if attempt <= r.failures {
		return errors.New("transient")
	}
	return nil
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func waitAttempts(t *testing.T, r *countingRunner, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d attempts, got %d", n, r.count())
}

func TestScheduler_SucceedsAfterRetry(t *testing.T) {
	runner := &countingRunner{failures: 2}
	s := NewScheduler(runner, 3, time.Millisecond, nil)
	defer s.Close()

	s.Dispatch("conv-1")
	waitAttempts(t, runner, 3)
	s.Close()

	assert.Equal(t, 3, runner.count(), "no attempts after success")
}

func TestScheduler_GivesUpAfterMaxRetries(t *testing.T) {
	runner := &countingRunner{failures: 100}
	s := NewScheduler(runner, 2, time.Millisecond, nil)
	defer s.Close()

	s.Dispatch("conv-1")
	waitAttempts(t, runner, 3) // initial + 2 retries
	s.Close()

	assert.Equal(t, 3, runner.count())
}

func TestScheduler_CloseCancelsInFlightRun(t *testing.T) {
	runner := &countingRunner{block: make(chan struct{}), failures: 100}
	s := NewScheduler(runner, 5, time.Minute, nil)

	s.Dispatch("conv-1")
	waitAttempts(t, runner, 1)

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after cancelling the run")
	}
	require.Equal(t, 1, runner.count())
}

func TestScheduler_DispatchAfterCloseDropped(t *testing.T) {
	runner := &countingRunner{}
	s := NewScheduler(runner, 0, time.Millisecond, nil)
	s.Close()

	s.Dispatch("conv-1")
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, runner.count())
}
