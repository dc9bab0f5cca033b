// Package store provides persistent storage for threadline using SQLite.
//
// # Data Models
//
//   - Conversation: a chat with participants, status (active/ended), summary,
//     metadata, and an optional embedding vector written by the analysis
//     pipeline
//   - Message: a single utterance (user, ai, or system) ordered by timestamp
//     within its conversation; immutable except for embedding back-fill
//   - AnalysisJob: one step of the post-conversation analysis pipeline with at
//     most one terminal transition (running -> completed or running -> failed)
//
// Sender roles, statuses, and job types are closed typed constants; switch
// points handle every variant so new categories cannot be silently ignored.
//
// # Vector Similarity
//
// Embeddings are stored in pgvector text form ("[x,y,...]"). SQLite cannot
// rank vectors server-side, so NearestConversations and NearestMessages scan
// the ended+embedded candidate rows and rank by Euclidean (L2) distance in
// process, stable on storage order for equal distances.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Foreign keys cascade message and job rows with their conversation.
//
// MockStore is an in-memory implementation for tests.
package store
