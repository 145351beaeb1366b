package plan

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError aggregates every problem found in a plan document.
type ValidationError struct {
	Problems []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid plan: %s", strings.Join(e.Problems, "; "))
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the full document: schema shape, enum values, node id
// uniqueness, edge endpoint existence, graph reachability and acyclicity,
// and marker well-formedness. It returns nil or a *ValidationError listing
// every problem. Validate has no side effects.
func Validate(p *Plan) error {
	v := &planValidator{plan: p}
	v.run()
	if len(v.problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: v.problems}
}

type planValidator struct {
	plan     *Plan
	problems []string
}

func (v *planValidator) errorf(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *planValidator) run() {
	p := v.plan

	if err := structValidator.Struct(p); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range errs {
				v.errorf("field %s is %s", fe.Field(), fe.Tag())
			}
		} else {
			v.errorf("document shape: %v", err)
		}
	}

	if p.Version != "" && p.Version != SchemaVersion {
		v.errorf("unknown schema version %q (current is %q)", p.Version, SchemaVersion)
	}
	if p.Frequency != nil && !p.Frequency.Valid() {
		v.errorf("frequency must have a positive interval and unit MINUTE, HOUR or DAY")
	}
	if len(p.Nodes) == 0 {
		v.errorf("plan has no nodes")
	}

	ids := v.checkNodes()
	v.checkEdges(ids)
	v.checkGraph(ids)
}

// checkNodes validates each node and returns the set of node ids.
func (v *planValidator) checkNodes() map[string]bool {
	ids := make(map[string]bool, len(v.plan.Nodes))
	for i, n := range v.plan.Nodes {
		id := n.NodeID()
		switch {
		case id == "":
			v.errorf("node %d has an empty id", i)
			continue
		case id == StartNode || id == EndNode:
			v.errorf("node id %q is reserved", id)
			continue
		case ids[id]:
			v.errorf("duplicate node id %q", id)
			continue
		}
		ids[id] = true

		switch node := n.(type) {
		case HTTPRequestNode:
			v.checkHTTPRequest(node)
		case WaitNode:
			if node.DurationMS < 0 {
				v.errorf("node %q has a negative wait duration", id)
			}
		case AssertionNode:
			v.checkAssertions(node)
		}
	}
	return ids
}

func (v *planValidator) checkHTTPRequest(n HTTPRequestNode) {
	if !n.Method.Valid() {
		v.errorf("node %q has unknown method %q", n.ID, n.Method)
	}
	if !n.ResponseFormat.Valid() {
		v.errorf("node %q has unknown response format %q", n.ID, n.ResponseFormat)
	}
	v.checkValueMarker(n.ID, "base", n.Base)
	for key, val := range n.Headers {
		v.checkValueMarker(n.ID, "header "+key, val)
	}
	v.checkTreeMarkers(n.ID, n.Body)
}

func (v *planValidator) checkValueMarker(nodeID, where string, val Value) {
	if val.Secret != nil && (val.Secret.Provider == "" || val.Secret.Ref == "") {
		v.errorf("node %q %s: secret marker requires provider and ref", nodeID, where)
	}
	if val.Variable != nil && val.Variable.Key == "" {
		v.errorf("node %q %s: variable marker requires a key", nodeID, where)
	}
}

// checkTreeMarkers walks a free-form body tree and flags marker objects
// with missing required fields.
func (v *planValidator) checkTreeMarkers(nodeID string, tree any) {
	switch t := tree.(type) {
	case map[string]any:
		if ref, ok := SecretMarker(t); ok {
			if ref.Provider == "" || ref.Ref == "" {
				v.errorf("node %q body: secret marker requires provider and ref", nodeID)
			}
			return
		}
		if ref, ok := VariableMarker(t); ok {
			if ref.Key == "" {
				v.errorf("node %q body: variable marker requires a key", nodeID)
			}
			return
		}
		if _, bare := t[secretMarkerKey]; bare && len(t) != 1 {
			v.errorf("node %q body: %s marker must be the only key of its object", nodeID, secretMarkerKey)
		}
		if _, bare := t[variableMarkerKey]; bare && len(t) != 1 {
			v.errorf("node %q body: %s marker must be the only key of its object", nodeID, variableMarkerKey)
		}
		for _, child := range t {
			v.checkTreeMarkers(nodeID, child)
		}
	case []any:
		for _, child := range t {
			v.checkTreeMarkers(nodeID, child)
		}
	}
}

func (v *planValidator) checkAssertions(n AssertionNode) {
	if len(n.Assertions) == 0 {
		v.errorf("node %q has no assertions", n.ID)
	}
	for i, a := range n.Assertions {
		if len(a.Path) == 0 {
			v.errorf("node %q assertion %d has an empty path", n.ID, i)
		}
		if !a.Op.Valid() {
			v.errorf("node %q assertion %d has unknown operator %q", n.ID, i, a.Op)
		}
	}
}

func (v *planValidator) checkEdges(ids map[string]bool) {
	for i, e := range v.plan.Edges {
		if e.From != StartNode && !ids[e.From] {
			v.errorf("edge %d references unknown source %q", i, e.From)
		}
		if e.To != EndNode && !ids[e.To] {
			v.errorf("edge %d references unknown target %q", i, e.To)
		}
		if e.From == EndNode {
			v.errorf("edge %d starts at %s", i, EndNode)
		}
		if e.To == StartNode {
			v.errorf("edge %d ends at %s", i, StartNode)
		}
	}
}

// checkGraph verifies the structural invariants: the graph rooted at
// StartNode is acyclic, every node is reachable from StartNode, and every
// node reaches EndNode.
func (v *planValidator) checkGraph(ids map[string]bool) {
	if len(ids) == 0 {
		return
	}

	forward := make(map[string][]string)
	backward := make(map[string][]string)
	for _, e := range v.plan.Edges {
		forward[e.From] = append(forward[e.From], e.To)
		backward[e.To] = append(backward[e.To], e.From)
	}

	if cycle := findCycle(ids, forward); len(cycle) > 0 {
		v.errorf("graph has a cycle: %s", strings.Join(cycle, " -> "))
		return
	}

	fromStart := reach(StartNode, forward)
	toEnd := reach(EndNode, backward)
	for id := range ids {
		if !fromStart[id] {
			v.errorf("node %q is not reachable from %s", id, StartNode)
		}
		if !toEnd[id] {
			v.errorf("node %q has no path to %s", id, EndNode)
		}
	}
}

// reach returns all vertices reachable from start over adj.
func reach(start string, adj map[string][]string) map[string]bool {
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range adj[cur] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return seen
}

// findCycle runs a DFS over the node ids (sentinels cannot participate in
// a cycle: StartNode has no inbound edges and EndNode no outbound ones)
// and returns the cycle path when one exists.
func findCycle(ids map[string]bool, forward map[string][]string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(ids))
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		path = append(path, id)
		for _, next := range forward[id] {
			if !ids[next] {
				continue
			}
			switch color[next] {
			case white:
				if visit(next) {
					return true
				}
			case gray:
				for i, p := range path {
					if p == next {
						cycle = append(append([]string{}, path[i:]...), next)
						return true
					}
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	for _, n := range sortedKeys(ids) {
		if color[n] == white && visit(n) {
			return cycle
		}
	}
	return nil
}
