// ABOUTME: Fire-and-forget dispatch of analysis runs with bounded retries
// ABOUTME: One goroutine per dispatched conversation, exponential backoff, graceful Close

package analysis

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Runner runs one full analysis pass over a conversation.
type Runner interface {
	Analyze(ctx context.Context, conversationID string) error
}

// Scheduler dispatches analysis runs in the background. Dispatch never
// blocks the caller; each conversation gets its own goroutine that retries
// failed runs with exponential backoff up to the configured limit.
type Scheduler struct {
	runner     Runner
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewScheduler creates a scheduler around the runner. maxRetries counts
// retries after the first attempt; backoff is the first retry's delay and
// doubles per retry. Pass nil logger for default.
func NewScheduler(runner Runner, maxRetries int, backoff time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:     runner,
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger.With("component", "analysis-scheduler"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Dispatch queues an analysis run for the conversation and returns
// immediately. Dispatches after Close are dropped.
func (s *Scheduler) Dispatch(conversationID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("dispatch after close dropped", "conversation_id", conversationID)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.run(conversationID)
	}()
}

func (s *Scheduler) run(conversationID string) {
	logger := s.logger.With("conversation_id", conversationID)
	delay := s.backoff
	for attempt := 0; ; attempt++ {
		err := s.runner.Analyze(s.ctx, conversationID)
		if err == nil {
			return
		}
		if attempt >= s.maxRetries {
			logger.Error("analysis gave up", "error", err, "attempts", attempt+1)
			return
		}
		logger.Warn("analysis failed, retrying", "error", err,
			"attempt", attempt+1, "delay", delay)

		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}
		delay *= 2
	}
}

// Close stops accepting dispatches, cancels in-flight runs, and waits for
// all goroutines to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
