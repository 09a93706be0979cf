// Package core provides the primitives shared by the finality engine.
// This package implements:
// - Block identity types (hash, number, hash/number pair)
// - Session boundaries with saturating arithmetic
// - Task spawner for long-lived per-peer goroutines
package core
