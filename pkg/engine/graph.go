package engine

import (
	"fmt"
	"strings"

	"github.com/openprobe/openprobe/pkg/plan"
)

// Linearize computes the topological execution order of a plan's node
// graph, excluding the __START__ and __END__ sentinels. Ties are broken
// by edge insertion order (nodes no edge mentions follow in declaration
// order), so the linearization is stable: running the same plan twice
// yields the same order. A cycle is a fatal pre-flight error.
func Linearize(p *plan.Plan) ([]string, error) {
	index := make(map[string]int, len(p.Nodes))
	for i, n := range p.Nodes {
		id := n.NodeID()
		if _, exists := index[id]; exists {
			return nil, NewPermanentError(fmt.Sprintf("duplicate node id %q", id), nil).
				WithCode(ErrCodeValidation)
		}
		index[id] = i
	}

	inDegree := make(map[string]int, len(index))
	forward := make(map[string][]string, len(index))
	for id := range index {
		inDegree[id] = 0
	}
	for _, e := range p.Edges {
		if e.From != plan.StartNode {
			if _, ok := index[e.From]; !ok {
				return nil, NewPermanentError(fmt.Sprintf("edge references unknown node %q", e.From), nil).
					WithCode(ErrCodeValidation)
			}
		}
		if e.To != plan.EndNode {
			if _, ok := index[e.To]; !ok {
				return nil, NewPermanentError(fmt.Sprintf("edge references unknown node %q", e.To), nil).
					WithCode(ErrCodeValidation)
			}
		}
		if e.From == plan.StartNode || e.To == plan.EndNode {
			continue
		}
		forward[e.From] = append(forward[e.From], e.To)
		inDegree[e.To]++
	}

	// Tie-break rank: the order ids first appear in the edge list, with
	// nodes no edge mentions ranked after in declaration order.
	rank := make(map[string]int, len(index))
	assign := func(id string) {
		if _, known := index[id]; !known {
			return
		}
		if _, ranked := rank[id]; !ranked {
			rank[id] = len(rank)
		}
	}
	for _, e := range p.Edges {
		assign(e.From)
		assign(e.To)
	}
	for _, n := range p.Nodes {
		assign(n.NodeID())
	}
	byRank := make([]string, len(index))
	for id, r := range rank {
		byRank[r] = id
	}

	order := make([]string, 0, len(index))
	done := make(map[string]bool, len(index))
	for len(order) < len(index) {
		next := ""
		for _, id := range byRank {
			if !done[id] && inDegree[id] == 0 {
				next = id
				break
			}
		}
		if next == "" {
			remaining := make([]string, 0, len(index)-len(order))
			for _, id := range byRank {
				if !done[id] {
					remaining = append(remaining, id)
				}
			}
			return nil, NewPermanentError(
				fmt.Sprintf("plan graph has a cycle among: %s", strings.Join(remaining, ", ")),
				nil,
			).WithCode(ErrCodeValidation)
		}

		done[next] = true
		order = append(order, next)
		for _, dependent := range forward[next] {
			inDegree[dependent]--
		}
	}

	return order, nil
}
