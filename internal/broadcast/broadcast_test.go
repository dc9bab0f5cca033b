// ABOUTME: Tests for the presence signal registry
// ABOUTME: Covers join, publish fan-out, leave, context cleanup, and concurrency

package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_SingleMemberReceivesSignal(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	ch, _ := r.Join(t.Context(), "conv-1")

	r.Publish(Signal{ConversationID: "conv-1", UserID: "user-1", IsTyping: true})

	select {
	case sig := <-ch:
		assert.Equal(t, "user-1", sig.UserID)
		assert.True(t, sig.IsTyping)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

func TestRegistry_PublisherReceivesOwnSignal(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	// The publisher's own membership is not excluded from fan-out
	ch, _ := r.Join(t.Context(), "conv-1")
	other, _ := r.Join(t.Context(), "conv-1")

	r.Publish(Signal{ConversationID: "conv-1", UserID: "user-1", IsTyping: true})

	for i, c := range []<-chan Signal{ch, other} {
		select {
		case sig := <-c:
			assert.Equal(t, "user-1", sig.UserID, "member %d got wrong signal", i)
		case <-time.After(time.Second):
			t.Fatalf("member %d timed out", i)
		}
	}
}

func TestRegistry_ConversationsAreIsolated(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	ch1, _ := r.Join(t.Context(), "conv-1")
	ch2, _ := r.Join(t.Context(), "conv-2")

	r.Publish(Signal{ConversationID: "conv-1", UserID: "user-1", IsTyping: true})

	select {
	case <-ch1:
	case <-time.After(time.Second):
		t.Fatal("conv-1 member timed out")
	}

	select {
	case sig := <-ch2:
		t.Fatalf("conv-2 member received foreign signal: %+v", sig)
	case <-time.After(50 * time.Millisecond):
		// Expected: nothing delivered
	}
}

func TestRegistry_LeaveClosesChannel(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	ch, memberID := r.Join(t.Context(), "conv-1")
	r.Leave("conv-1", memberID)

	_, open := <-ch
	assert.False(t, open, "channel should be closed after leave")

	// Publishing after the last member left is a no-op
	r.Publish(Signal{ConversationID: "conv-1", UserID: "user-1"})
}

func TestRegistry_ContextCancellationCleansUp(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := r.Join(ctx, "conv-1")
	cancel()

	// Channel closes once the auto-cleanup goroutine observes cancellation
	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel was not closed after context cancellation")
	}
}

// A member can leave while another goroutine is mid-publish to the same
// conversation; the send must never hit the closed channel.
func TestRegistry_PublishDuringLeave(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				r.Publish(Signal{ConversationID: "conv-1", UserID: "user-1", IsTyping: true})
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		_, memberID := r.Join(context.Background(), "conv-1")
		r.Leave("conv-1", memberID)
	}
	close(stop)
	<-done
}

func TestRegistry_ConcurrentPublishAndJoin(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch, memberID := r.Join(context.Background(), "conv-1")
			go func() {
				for range ch {
				}
			}()
			time.Sleep(time.Millisecond)
			r.Leave("conv-1", memberID)
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				r.Publish(Signal{ConversationID: "conv-1", UserID: "user-1", IsTyping: j%2 == 0})
			}
		}()
	}
	wg.Wait()
}
