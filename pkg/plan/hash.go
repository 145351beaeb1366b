package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Hash returns the stable content hash of a plan: SHA-256 over the
// canonical JSON serialization (object keys sorted recursively, array
// order preserved). Server-assigned identity fields are excluded so a
// local document hashes equal to its stored counterpart.
func Hash(p *Plan) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode plan: %w", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("failed to decode plan document: %w", err)
	}
	delete(doc, "id")
	delete(doc, "organization")

	// encoding/json sorts map keys, so re-encoding the generic tree
	// yields the canonical form.
	canonical, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize plan: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// sortedKeys returns the keys of a string-keyed set in sorted order, for
// deterministic iteration.
func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
