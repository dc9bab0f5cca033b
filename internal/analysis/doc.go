// Package analysis runs the post-conversation pipeline: summary, key point
// extraction, sentiment scoring, and embedding back-fill, each recorded as a
// job row. Steps run in order; the summary is persisted as soon as it is
// generated so partial progress survives a later step failing. A failed step
// records a failed job with the error text and aborts the run; the
// Scheduler retries the whole run with exponential backoff.
package analysis
