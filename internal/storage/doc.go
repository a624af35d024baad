// Package storage persists the job queues and raw provider events.
//
// It currently supports:
//   - SQLite (WAL, single-writer) for durable production runs
//   - An in-memory driver for tests
package storage
