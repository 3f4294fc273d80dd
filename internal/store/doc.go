// Package store provides connections to the backing key-value store and the
// bounded pool that handler scripts reach it through.
//
// # Backends
//
//   - SQLite (OpenSQLite): documents table keyed by document id, with optional
//     expiry. Supports ad-hoc SQL through the Querier interface.
//   - Redis (OpenRedis): each pooled connection is a dedicated *redis.Conn.
//
// Both implement Dialer, so the Pool can establish connections lazily.
//
// # Pool
//
// The Pool caps the number of live connections at its capacity. Checkout
// blocks until a connection is free or the context ends. Failed operations
// are retried a bounded number of times on a fresh connection; when retries
// run out the failure is counted in the accounting registry and returned as
// a *Error for the caller (ultimately the handler script) to deal with.
//
// # Database Configuration (SQLite)
//
//   - WAL mode: concurrent readers alongside the writer
//   - synchronous=NORMAL
//   - busy_timeout=5000 on every connection (set through the DSN)
package store
