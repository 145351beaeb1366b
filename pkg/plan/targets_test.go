package plan

import (
	"strings"
	"testing"
)

func variablePlan() *Plan {
	p := validPlan()
	node := p.Nodes[0].(HTTPRequestNode)
	node.Base = Value{Variable: &VariableRef{Key: "api-service"}}
	node.Headers = map[string]Value{
		"X-Backend": {Variable: &VariableRef{Key: "api-service", Template: "backend=${api-service}"}},
	}
	node.Body = map[string]any{
		"target": map[string]any{"$variable": map[string]any{"key": "api-service"}},
	}
	p.Nodes[0] = node
	return p
}

func TestResolveVariablesSubstitutes(t *testing.T) {
	p := variablePlan()
	targets := map[string]string{"api-service": "https://api.internal"}

	resolved, err := ResolveVariables(p, targets)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	node := resolved.Nodes[0].(HTTPRequestNode)
	if node.Base.Literal != "https://api.internal" {
		t.Errorf("base = %q", node.Base.Literal)
	}
	if got := node.Headers["X-Backend"].Literal; got != "backend=https://api.internal" {
		t.Errorf("templated header = %q", got)
	}
	body := node.Body.(map[string]any)
	if body["target"] != "https://api.internal" {
		t.Errorf("body target = %v", body["target"])
	}
}

func TestResolveVariablesDoesNotMutateInput(t *testing.T) {
	p := variablePlan()
	if _, err := ResolveVariables(p, map[string]string{"api-service": "https://api.internal"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	node := p.Nodes[0].(HTTPRequestNode)
	if node.Base.Variable == nil {
		t.Error("input plan base marker was overwritten")
	}
}

func TestResolveVariablesMissingKey(t *testing.T) {
	p := variablePlan()
	_, err := ResolveVariables(p, map[string]string{})
	if err == nil {
		t.Fatal("expected error for unknown target key")
	}
	if !strings.Contains(err.Error(), "api-service") {
		t.Errorf("error should name the missing key: %v", err)
	}
}

func TestResolveVariablesNoMarkersPassthrough(t *testing.T) {
	p := validPlan()
	resolved, err := ResolveVariables(p, nil)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolved != p {
		t.Error("plans without markers should be returned unchanged")
	}
}
