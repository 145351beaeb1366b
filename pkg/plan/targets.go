package plan

import (
	"fmt"
	"strings"
)

// ResolveVariables substitutes every $variable marker in the plan with its
// value from the per-environment target table. Markers with a template
// splice the resolved value into the template via the ${key} placeholder.
// The input plan is not mutated; when it contains no variable markers it
// is returned unchanged.
func ResolveVariables(p *Plan, targets map[string]string) (*Plan, error) {
	if !hasVariables(p) {
		return p, nil
	}

	out, err := p.Clone()
	if err != nil {
		return nil, err
	}

	for i, n := range out.Nodes {
		req, ok := n.(HTTPRequestNode)
		if !ok {
			continue
		}
		if req.Base, err = resolveValue(req.Base, targets); err != nil {
			return nil, fmt.Errorf("node %q base: %w", req.ID, err)
		}
		for key, val := range req.Headers {
			if req.Headers[key], err = resolveValue(val, targets); err != nil {
				return nil, fmt.Errorf("node %q header %q: %w", req.ID, key, err)
			}
		}
		if req.Body, err = resolveTree(req.Body, targets); err != nil {
			return nil, fmt.Errorf("node %q body: %w", req.ID, err)
		}
		out.Nodes[i] = req
	}
	return out, nil
}

func hasVariables(p *Plan) bool {
	for _, n := range p.Nodes {
		req, ok := n.(HTTPRequestNode)
		if !ok {
			continue
		}
		if req.Base.Variable != nil {
			return true
		}
		for _, val := range req.Headers {
			if val.Variable != nil {
				return true
			}
		}
		if treeHasVariable(req.Body) {
			return true
		}
	}
	return false
}

func treeHasVariable(tree any) bool {
	switch t := tree.(type) {
	case map[string]any:
		if _, ok := VariableMarker(t); ok {
			return true
		}
		for _, child := range t {
			if treeHasVariable(child) {
				return true
			}
		}
	case []any:
		for _, child := range t {
			if treeHasVariable(child) {
				return true
			}
		}
	}
	return false
}

func resolveValue(v Value, targets map[string]string) (Value, error) {
	if v.Variable == nil {
		return v, nil
	}
	resolved, err := expandVariable(v.Variable, targets)
	if err != nil {
		return Value{}, err
	}
	return LiteralValue(resolved), nil
}

func resolveTree(tree any, targets map[string]string) (any, error) {
	switch t := tree.(type) {
	case map[string]any:
		if ref, ok := VariableMarker(t); ok {
			return expandVariable(ref, targets)
		}
		for key, child := range t {
			resolved, err := resolveTree(child, targets)
			if err != nil {
				return nil, err
			}
			t[key] = resolved
		}
		return t, nil
	case []any:
		for i, child := range t {
			resolved, err := resolveTree(child, targets)
			if err != nil {
				return nil, err
			}
			t[i] = resolved
		}
		return t, nil
	default:
		return tree, nil
	}
}

func expandVariable(ref *VariableRef, targets map[string]string) (string, error) {
	value, ok := targets[ref.Key]
	if !ok {
		return "", fmt.Errorf("no target configured for variable key %q", ref.Key)
	}
	if ref.Template == "" {
		return value, nil
	}
	return strings.ReplaceAll(ref.Template, "${"+ref.Key+"}", value), nil
}
