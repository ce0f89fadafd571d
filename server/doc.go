// Package server provides the HTTP server for streamkit services using Gin
// with HTTP/2 cleartext (h2c) support.
//
// The server follows the component pattern with lifecycle management,
// health endpoints, and a net/http middleware stack applied to every route.
//
// # Middleware
//
// Built-in middleware (server/middleware):
//
//   - Recovery: panic recovery with structured logging
//   - RequestID: request ID generation and propagation
//   - BodySizeLimit: request body size limits
//   - RequestLogger: request logging with duration tracking
//
// # Endpoints
//
// Built-in endpoints (server/endpoint):
//
//   - /health: component health aggregation
//   - /alive: Kubernetes liveness probe
//   - /ready: Kubernetes readiness probe
//   - /info: build version and uptime
//   - /metrics: Prometheus metrics
package server
