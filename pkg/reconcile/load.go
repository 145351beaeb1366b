package reconcile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openprobe/openprobe/pkg/plan"
)

// LoadDir reads every plan document under dir (non-recursive). JSON and
// YAML files are accepted; each must validate and names must be unique
// within the directory. Files are loaded in lexical order so diffs are
// deterministic.
func LoadDir(dir string) ([]*plan.Plan, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".json", ".yaml", ".yml":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	seen := make(map[string]string, len(names))
	plans := make([]*plan.Plan, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		doc, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[doc.Name]; dup {
			return nil, fmt.Errorf("plan %q defined in both %s and %s", doc.Name, prev, name)
		}
		seen[doc.Name] = name
		plans = append(plans, doc)
	}
	return plans, nil
}

// LoadFile reads and validates a single plan document.
func LoadFile(path string) (*plan.Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if strings.ToLower(filepath.Ext(path)) != ".json" {
		converted, err := yamlToJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		raw = converted
	}

	doc, err := plan.Migrate(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := plan.Validate(doc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// yamlToJSON converts a YAML document to JSON so both formats flow
// through the one plan codec.
func yamlToJSON(raw []byte) ([]byte, error) {
	var tree any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}
	converted, err := json.Marshal(normalizeYAML(tree))
	if err != nil {
		return nil, fmt.Errorf("failed to convert yaml: %w", err)
	}
	return converted, nil
}

// normalizeYAML rewrites map[any]any trees (older yaml behavior for
// merged keys) into map[string]any so json.Marshal accepts them.
func normalizeYAML(tree any) any {
	switch t := tree.(type) {
	case map[string]any:
		for key, child := range t {
			t[key] = normalizeYAML(child)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for key, child := range t {
			out[fmt.Sprint(key)] = normalizeYAML(child)
		}
		return out
	case []any:
		for i, child := range t {
			t[i] = normalizeYAML(child)
		}
		return t
	default:
		return tree
	}
}
