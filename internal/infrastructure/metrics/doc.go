// Package metrics exposes the bridge's Prometheus metrics and a small
// HTTP surface for operators.
//
// Endpoints:
//
//	GET /metrics   Prometheus exposition (engine counters, Go runtime)
//	GET /healthz   200 when every dependency check passes, else 503
//	GET /status    JSON snapshot of engine counters and role addresses
//
// *Bridge implements ramses.Metrics and is handed to the engine via
// EngineOptions.Metrics.
package metrics
