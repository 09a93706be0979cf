// Package monitoring provides metrics and observability.
// This package implements:
// - Prometheus metrics for the finality network
// - Metrics and health endpoints
package monitoring
