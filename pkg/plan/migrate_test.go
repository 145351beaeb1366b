package plan

import (
	"encoding/json"
	"testing"
)

func TestMigrateCurrentVersionPassesThrough(t *testing.T) {
	raw, err := json.Marshal(validPlan())
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	migrated, err := Migrate(raw)
	if err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if migrated.Version != SchemaVersion {
		t.Errorf("version = %q, want %q", migrated.Version, SchemaVersion)
	}
	if migrated.Name != "checkout-health" {
		t.Errorf("name = %q", migrated.Name)
	}
}

func TestMigrateRejectsUnknownVersion(t *testing.T) {
	p := validPlan()
	p.Version = "0.3"
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	if _, err := Migrate(raw); err == nil {
		t.Fatal("expected error for unknown schema version")
	}
}
