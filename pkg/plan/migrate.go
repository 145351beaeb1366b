package plan

import (
	"encoding/json"
	"fmt"
)

// A migration rewrites a raw plan document in place from its source
// version to the listed target version.
type migration struct {
	from, to string
	apply    func(doc map[string]any) error
}

// migrations is the in-repo chain from historical schema versions to
// SchemaVersion. "1.0" is the first published version, so the chain is
// currently empty; entries are appended here when the schema evolves.
var migrations []migration

// Migrate brings a raw plan document from its stored version up to
// SchemaVersion and decodes it. Documents already at SchemaVersion pass
// through unchanged; a version with no chain entry is rejected.
func Migrate(raw json.RawMessage) (*Plan, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode plan document: %w", err)
	}

	version, _ := doc["version"].(string)
	for version != SchemaVersion {
		step, ok := migrationFrom(version)
		if !ok {
			return nil, fmt.Errorf("no migration from plan schema version %q", version)
		}
		if err := step.apply(doc); err != nil {
			return nil, fmt.Errorf("migration %s -> %s failed: %w", step.from, step.to, err)
		}
		doc["version"] = step.to
		version = step.to
	}

	migrated, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode migrated document: %w", err)
	}
	p := &Plan{}
	if err := json.Unmarshal(migrated, p); err != nil {
		return nil, fmt.Errorf("failed to decode migrated plan: %w", err)
	}
	return p, nil
}

func migrationFrom(version string) (migration, bool) {
	for _, m := range migrations {
		if m.from == version {
			return m, true
		}
	}
	return migration{}, false
}
