// Package stores provides the persistence layer for plans, runs, agents
// and target configuration.
//
// The same SQL store runs against SQLite (single-process deployments,
// tests) and PostgreSQL (multi-hub deployments); the queue shares the
// schema. All timestamps are stored as fixed-width UTC strings so
// chronological ordering and eligibility comparisons are plain string
// comparisons in both dialects.
package stores
