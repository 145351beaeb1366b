package stores

import (
	"context"
	"errors"
	"testing"
)

func TestTargetUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.PutTarget(ctx, "acme", "production", "api-service", "https://api.internal"); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	url, err := store.GetTarget(ctx, "acme", "production", "api-service")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if url != "https://api.internal" {
		t.Errorf("url = %q", url)
	}

	// Writing the same key replaces the mapping in place.
	if err := store.PutTarget(ctx, "acme", "production", "api-service", "https://api-v2.internal"); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	url, err = store.GetTarget(ctx, "acme", "production", "api-service")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if url != "https://api-v2.internal" {
		t.Errorf("url after upsert = %q", url)
	}
}

func TestGetTargetsScopedToEnvironment(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pairs := []struct{ org, env, key, url string }{
		{"acme", "production", "api-service", "https://api.internal"},
		{"acme", "production", "auth-service", "https://auth.internal"},
		{"acme", "staging", "api-service", "https://api.staging.internal"},
		{"globex", "production", "api-service", "https://api.globex.example"},
	}
	for _, p := range pairs {
		if err := store.PutTarget(ctx, p.org, p.env, p.key, p.url); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}

	targets, err := store.GetTargets(ctx, "acme", "production")
	if err != nil {
		t.Fatalf("get targets failed: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("targets = %v", targets)
	}
	if targets["api-service"] != "https://api.internal" || targets["auth-service"] != "https://auth.internal" {
		t.Errorf("targets = %v", targets)
	}

	empty, err := store.GetTargets(ctx, "acme", "development")
	if err != nil {
		t.Fatalf("get targets failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("unknown environment should yield an empty map, got %v", empty)
	}
}

func TestTargetNotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetTarget(ctx, "acme", "production", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get = %v, want ErrNotFound", err)
	}
	if err := store.DeleteTarget(ctx, "acme", "production", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("delete = %v, want ErrNotFound", err)
	}
}

func TestDeleteTarget(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.PutTarget(ctx, "acme", "production", "api-service", "https://api.internal"); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.DeleteTarget(ctx, "acme", "production", "api-service"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.GetTarget(ctx, "acme", "production", "api-service"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete = %v, want ErrNotFound", err)
	}
}
