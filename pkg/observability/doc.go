// Package observability provides structured logging, Prometheus metrics,
// health probes and graceful shutdown for the Keystone backend.
//
// # Logging
//
// The Logger wraps log/slog with a JSON handler and supports field chaining:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("company_id", companyID).Info("permissions replaced")
//
// Request-scoped values (request ID, actor ID) travel on the context and are
// attached automatically by FromContext.
//
// # Metrics
//
// NewMetrics registers counters and histograms for permission checks, cache
// hits/misses, graph mutations and audit writes. The metrics handler is
// served on the health port, separate from the API port.
//
// # Health
//
// HealthChecker exposes Liveness and Readiness probes. Readiness pings the
// relational store and, when configured, Redis; Redis being down degrades
// rather than fails readiness since the decision cache is droppable.
package observability
