// Package server exposes the service to operators.
//
// HTTP endpoints (server.http_addr):
//
//   - GET /health: liveness, always 200
//   - GET /ready: 200 once the chat transport is connected, 503 before
//   - GET /metrics: Prometheus metrics
//   - GET /api/stats/usage: usage totals per duck; filters duck, since, until
//   - GET /api/thread?id=<thread>: token usage and review verdicts of one
//     conversation
//   - GET /api/events: server-sent events for session state changes and
//     history entries; ?thread=<id> limits the stream to one thread
//
// The standard gRPC health service runs on server.grpc_addr. It reports
// SERVING while Run is active and NOT_SERVING once shutdown starts.
package server
