package secrets

import (
	"context"
	"fmt"
)

// Options narrows a secret lookup to a specific version or a single field
// of a JSON-object secret.
type Options struct {
	Version string
	Field   string
}

// Provider resolves a reference to a secret string. Implementations are
// registered at process startup; Resolve is the only required method.
type Provider interface {
	Name() string
	Resolve(ctx context.Context, ref string, opts Options) (string, error)
}

// BatchResolver is implemented by providers that can resolve several
// references in one round trip. The registry falls back to individual
// Resolve calls when a provider does not implement it.
type BatchResolver interface {
	ResolveMany(ctx context.Context, refs []Request) (map[string]string, error)
}

// Validator is implemented by providers that can check their own
// configuration (credentials, reachability) at startup.
type Validator interface {
	Validate(ctx context.Context) error
}

// Request is one reference to resolve, as collected from a plan.
type Request struct {
	Provider string
	Ref      string
	Options  Options
}

// ResolutionError wraps any provider failure with the provider and
// reference that caused it. Secret resolution is fail-fast: a run aborts
// before its first request when any reference cannot be resolved.
type ResolutionError struct {
	Provider string
	Ref      string
	Cause    error
}

// Error implements the error interface.
func (e *ResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve secret %s:%s: %v", e.Provider, e.Ref, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *ResolutionError) Unwrap() error { return e.Cause }
