// Package plan defines the canonical probe plan document: a versioned,
// JSON-stable description of a directed graph of HTTP requests, waits and
// assertions, together with its validator, content hash and schema
// migration chain.
package plan
