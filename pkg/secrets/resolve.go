package secrets

import (
	"context"
	"fmt"

	"github.com/openprobe/openprobe/pkg/plan"
)

// siteKind locates a secret marker within an HTTP request node.
type siteKind int

const (
	siteBase siteKind = iota
	siteHeader
	siteBody
)

// secretSite records where in the plan a marker was found so the resolved
// string can be written back after batch resolution.
type secretSite struct {
	node      int
	kind      siteKind
	headerKey string
	bodyPath  []any // string keys and int indexes into the body tree
	ref       plan.SecretRef
}

// ResolvePlan returns a copy of the plan with every $secret marker
// replaced by its resolved string. Markers are collected across all HTTP
// request nodes, deduplicated by (provider, ref, version, field) and
// batch-resolved through the registry. The input plan is never mutated;
// a plan without markers is returned unchanged.
func ResolvePlan(ctx context.Context, p *plan.Plan, reg *Registry) (*plan.Plan, error) {
	sites := collectSites(p)
	if len(sites) == 0 {
		return p, nil
	}

	unique := make([]plan.SecretRef, 0, len(sites))
	seen := make(map[string]bool, len(sites))
	for _, site := range sites {
		key := site.ref.Key()
		if !seen[key] {
			seen[key] = true
			unique = append(unique, site.ref)
		}
	}

	values, err := reg.ResolveMany(ctx, unique)
	if err != nil {
		return nil, err
	}

	out, err := p.Clone()
	if err != nil {
		return nil, err
	}
	for _, site := range sites {
		value := values[site.ref.Key()]
		if err := writeSite(out, site, value); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func collectSites(p *plan.Plan) []secretSite {
	var sites []secretSite
	for i, n := range p.Nodes {
		req, ok := n.(plan.HTTPRequestNode)
		if !ok {
			continue
		}
		if req.Base.Secret != nil {
			sites = append(sites, secretSite{node: i, kind: siteBase, ref: *req.Base.Secret})
		}
		for key, val := range req.Headers {
			if val.Secret != nil {
				sites = append(sites, secretSite{node: i, kind: siteHeader, headerKey: key, ref: *val.Secret})
			}
		}
		sites = append(sites, collectBodySites(i, nil, req.Body)...)
	}
	return sites
}

func collectBodySites(node int, path []any, tree any) []secretSite {
	var sites []secretSite
	switch t := tree.(type) {
	case map[string]any:
		if ref, ok := plan.SecretMarker(t); ok {
			sites = append(sites, secretSite{
				node:     node,
				kind:     siteBody,
				bodyPath: append([]any{}, path...),
				ref:      *ref,
			})
			return sites
		}
		for key, child := range t {
			sites = append(sites, collectBodySites(node, append(path, key), child)...)
		}
	case []any:
		for idx, child := range t {
			sites = append(sites, collectBodySites(node, append(path, idx), child)...)
		}
	}
	return sites
}

func writeSite(p *plan.Plan, site secretSite, value string) error {
	req, ok := p.Nodes[site.node].(plan.HTTPRequestNode)
	if !ok {
		return fmt.Errorf("node %d is no longer an HTTP request", site.node)
	}

	switch site.kind {
	case siteBase:
		req.Base = plan.LiteralValue(value)
	case siteHeader:
		req.Headers[site.headerKey] = plan.LiteralValue(value)
	case siteBody:
		body, err := writeTree(req.Body, site.bodyPath, value)
		if err != nil {
			return fmt.Errorf("node %q body: %w", req.ID, err)
		}
		req.Body = body
	}

	p.Nodes[site.node] = req
	return nil
}

// writeTree sets the value at the recorded path and returns the (possibly
// replaced) root.
func writeTree(tree any, path []any, value string) (any, error) {
	if len(path) == 0 {
		return value, nil
	}

	switch seg := path[0].(type) {
	case string:
		m, ok := tree.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected object at %v", path[0])
		}
		child, err := writeTree(m[seg], path[1:], value)
		if err != nil {
			return nil, err
		}
		m[seg] = child
		return m, nil
	case int:
		s, ok := tree.([]any)
		if !ok || seg >= len(s) {
			return nil, fmt.Errorf("expected array at %v", path[0])
		}
		child, err := writeTree(s[seg], path[1:], value)
		if err != nil {
			return nil, err
		}
		s[seg] = child
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported path segment %v", path[0])
	}
}
