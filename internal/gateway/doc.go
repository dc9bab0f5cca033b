// Package gateway wires the threadline components into one HTTP server:
// websocket sessions under /ws, the conversation/search/RAG REST API under
// /api, plus health and optional Prometheus endpoints. All API routes
// require a bearer token (or ?token= for websocket clients). Errors leave
// as {"error": ...} with 403 for access denial, 400 for validation, 404 for
// unknown ids, 409 for ending an ended conversation, 502 for upstream
// provider failures, and 500 otherwise.
package gateway
