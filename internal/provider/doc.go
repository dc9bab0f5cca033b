// Package provider wraps the language-model API used for reply generation,
// post-conversation analysis, and retrieval.
//
// Three call shapes are exposed:
//
//   - StreamCompletion: lazy token generation consumed by the session's
//     token stream pipeline
//   - Complete: single-shot generation for summaries, key points, and RAG
//     answers
//   - Embed/EmbedBatch: fixed-dimension vector generation with a documented
//     zero-vector fallback on failure, never an error
//
// The zero-vector fallback keeps the analysis and retrieval pipelines moving
// when the embedding endpoint is unavailable; a zero vector ranks far from
// everything instead of aborting the run.
package provider
