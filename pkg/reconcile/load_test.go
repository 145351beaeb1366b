package reconcile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const jsonPlan = `{
  "project": "payments",
  "environment": "production",
  "name": "checkout-health",
  "version": "1.0",
  "nodes": [
    {"type": "HTTP_REQUEST", "id": "fetch", "method": "GET",
     "base": "https://api.example.com", "path": "/health", "response_format": "JSON"}
  ],
  "edges": [
    {"from": "__START__", "to": "fetch"},
    {"from": "fetch", "to": "__END__"}
  ]
}`

const yamlPlan = `project: payments
environment: production
name: search-health
version: "1.0"
nodes:
  - type: HTTP_REQUEST
    id: fetch
    method: GET
    base: https://search.example.com
    path: /health
    response_format: JSON
edges:
  - from: __START__
    to: fetch
  - from: fetch
    to: __END__
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s failed: %v", name, err)
	}
	return path
}

func TestLoadFileJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "checkout.json", jsonPlan)

	doc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if doc.Name != "checkout-health" || len(doc.Nodes) != 1 {
		t.Errorf("doc = %+v", doc)
	}
}

func TestLoadFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "search.yaml", yamlPlan)

	doc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if doc.Name != "search-health" {
		t.Errorf("name = %q", doc.Name)
	}
}

func TestLoadFileRejectsInvalidPlan(t *testing.T) {
	dir := t.TempDir()
	// Edge references a node that does not exist.
	broken := strings.Replace(jsonPlan, `"to": "fetch"`, `"to": "ghost"`, 1)
	path := writeFile(t, dir, "broken.json", broken)

	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a-checkout.json", jsonPlan)
	writeFile(t, dir, "b-search.yaml", yamlPlan)
	writeFile(t, dir, "notes.txt", "ignore me")
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}

	plans, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load dir failed: %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("loaded %d plans, want 2", len(plans))
	}
	// Lexical file order.
	if plans[0].Name != "checkout-health" || plans[1].Name != "search-health" {
		t.Errorf("order = %s, %s", plans[0].Name, plans[1].Name)
	}
}

func TestLoadDirRejectsDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "one.json", jsonPlan)
	writeFile(t, dir, "two.json", jsonPlan)

	_, err := LoadDir(dir)
	if err == nil {
		t.Fatal("expected duplicate name error")
	}
	if !strings.Contains(err.Error(), "checkout-health") {
		t.Errorf("error should name the duplicate: %v", err)
	}
}
