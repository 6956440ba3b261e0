// Package api hosts the HTTP server, middleware, and REST handlers. Two
// surfaces share one router:
//   - Operator routes under /v1 for schedules, targets, the command queue,
//     workers, sessions, and a live event stream (SSE).
//   - Agent routes under /v1/agent used by remote scraper workers to
//     register, heartbeat, long-poll for commands, and report results.
//
// GET /healthz and /readyz back Kubernetes probes; GET /metrics exposes the
// Prometheus registry.
package api
