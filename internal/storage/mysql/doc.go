// Package mysql provides repositories and data access helpers backed by MySQL.
// It encapsulates schema migrations, unique-key upserts, and strongly typed
// queries for persisting conversations, messages, action invocations, and
// per-conversation memory. An in-memory implementation of the same Store
// interface is included for tests and single-node development.
package mysql
