// Package retrieval serves semantic search and retrieval-augmented
// generation over conversation history. Queries are embedded once and ranked
// against conversation- and message-level embeddings by L2 distance; only
// ended, analyzed conversations are searchable. RAG answers are generated
// from a bounded context of the top matches and returned with the sources
// that informed them.
package retrieval
