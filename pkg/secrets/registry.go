package secrets

import (
	"context"
	"fmt"

	"github.com/openprobe/openprobe/pkg/plan"
)

// Registry routes secret references to named providers.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. Registering a second provider under the same
// name is a configuration error.
func (r *Registry) Register(p Provider) error {
	if _, exists := r.providers[p.Name()]; exists {
		return fmt.Errorf("duplicate secret provider %q", p.Name())
	}
	r.providers[p.Name()] = p
	return nil
}

// Provider returns the named provider, or nil.
func (r *Registry) Provider(name string) Provider {
	return r.providers[name]
}

// Resolve dispatches a single reference to its provider. Any failure,
// including an unknown provider, is wrapped as a *ResolutionError.
func (r *Registry) Resolve(ctx context.Context, ref plan.SecretRef) (string, error) {
	p, ok := r.providers[ref.Provider]
	if !ok {
		return "", &ResolutionError{
			Provider: ref.Provider,
			Ref:      ref.Ref,
			Cause:    fmt.Errorf("unknown provider"),
		}
	}
	value, err := p.Resolve(ctx, ref.Ref, Options{Version: ref.Version, Field: ref.Field})
	if err != nil {
		return "", &ResolutionError{Provider: ref.Provider, Ref: ref.Ref, Cause: err}
	}
	return value, nil
}

// ResolveMany resolves a set of references, grouped by provider and
// batched when the provider supports it. It fails fast on the first
// error. The result is keyed by SecretRef.Key().
func (r *Registry) ResolveMany(ctx context.Context, refs []plan.SecretRef) (map[string]string, error) {
	byProvider := make(map[string][]plan.SecretRef)
	order := make([]string, 0, len(r.providers))
	for _, ref := range refs {
		if _, seen := byProvider[ref.Provider]; !seen {
			order = append(order, ref.Provider)
		}
		byProvider[ref.Provider] = append(byProvider[ref.Provider], ref)
	}

	resolved := make(map[string]string, len(refs))
	for _, name := range order {
		group := byProvider[name]
		p, ok := r.providers[name]
		if !ok {
			return nil, &ResolutionError{
				Provider: name,
				Ref:      group[0].Ref,
				Cause:    fmt.Errorf("unknown provider"),
			}
		}

		if batch, ok := p.(BatchResolver); ok {
			reqs := make([]Request, len(group))
			for i, ref := range group {
				reqs[i] = Request{
					Provider: name,
					Ref:      ref.Ref,
					Options:  Options{Version: ref.Version, Field: ref.Field},
				}
			}
			values, err := batch.ResolveMany(ctx, reqs)
			if err != nil {
				return nil, &ResolutionError{Provider: name, Ref: group[0].Ref, Cause: err}
			}
			for i, ref := range group {
				value, ok := values[reqs[i].Ref]
				if !ok {
					return nil, &ResolutionError{
						Provider: name,
						Ref:      ref.Ref,
						Cause:    fmt.Errorf("batch resolve returned no value"),
					}
				}
				resolved[ref.Key()] = value
			}
			continue
		}

		for _, ref := range group {
			value, err := r.Resolve(ctx, ref)
			if err != nil {
				return nil, err
			}
			resolved[ref.Key()] = value
		}
	}
	return resolved, nil
}

// ValidateProviders runs every provider's self-check, when implemented.
func (r *Registry) ValidateProviders(ctx context.Context) error {
	for name, p := range r.providers {
		v, ok := p.(Validator)
		if !ok {
			continue
		}
		if err := v.Validate(ctx); err != nil {
			return fmt.Errorf("secret provider %q failed validation: %w", name, err)
		}
	}
	return nil
}
