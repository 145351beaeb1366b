package secrets

import (
	"context"
	"testing"
)

func TestEnvProviderResolve(t *testing.T) {
	t.Setenv("PROBE_API_TOKEN", "s3cret")
	p := NewEnvProvider("PROBE_")

	value, err := p.Resolve(context.Background(), "API_TOKEN", Options{})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if value != "s3cret" {
		t.Errorf("value = %q, want %q", value, "s3cret")
	}
}

func TestEnvProviderMissingVariable(t *testing.T) {
	p := NewEnvProvider("")
	_, err := p.Resolve(context.Background(), "DEFINITELY_NOT_SET_12345", Options{})
	if err == nil {
		t.Fatal("expected error for unset variable")
	}
}

func TestEnvProviderEmptyValueIsValid(t *testing.T) {
	t.Setenv("EMPTY_TOKEN", "")
	p := NewEnvProvider("")

	value, err := p.Resolve(context.Background(), "EMPTY_TOKEN", Options{})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if value != "" {
		t.Errorf("value = %q, want empty string", value)
	}
}
