// Package session implements the per-connection conversation session and the
// token stream pipeline.
//
// # Lifecycle
//
// A session moves Connecting -> Authorized -> Active -> Closed. On connect
// the routed conversation is loaded and the caller must be a participant of
// an active conversation; otherwise the transport is closed with no join.
// On success the session joins the conversation's broadcast group and starts
// four goroutines:
//
//   - read loop: decodes inbound events (user_message, typing_indicator)
//   - turn worker: generates AI replies one at a time in queue order
//   - signal pump: forwards presence signals from the broadcast group
//   - write loop: the single writer to the transport
//
// # Ordering
//
// At most one token stream pipeline invocation is in flight per session.
// User messages arriving while a reply streams are queued FIFO behind it, so
// AI-turn rows are created in the order the user messages were sent.
//
// # Commit semantics
//
// The pipeline streams fragments to the client while accumulating them, then
// commits exactly one AI message when the fragment stream is exhausted —
// including when the provider failed (its error text becomes the final
// fragment) and when the buffer is empty. Cancellation observed between
// fragments skips the commit entirely: no half-written rows, no tokens after
// disconnect. Once exhaustion is reached the commit runs regardless of
// disconnect timing, on its own timeout context.
package session
