package plan

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is the current plan document schema version.
const SchemaVersion = "1.0"

// Reserved graph sentinels. Every plan graph is rooted at StartNode and
// drains into EndNode; neither may be used as a node id.
const (
	StartNode = "__START__"
	EndNode   = "__END__"
)

// FrequencyUnit is the unit of a plan's execution frequency.
type FrequencyUnit string

const (
	UnitMinute FrequencyUnit = "MINUTE"
	UnitHour   FrequencyUnit = "HOUR"
	UnitDay    FrequencyUnit = "DAY"
)

// Frequency describes how often a plan is scheduled.
type Frequency struct {
	Every int           `json:"every"`
	Unit  FrequencyUnit `json:"unit"`
}

// Interval returns the duration between scheduled runs.
func (f Frequency) Interval() time.Duration {
	switch f.Unit {
	case UnitMinute:
		return time.Duration(f.Every) * time.Minute
	case UnitHour:
		return time.Duration(f.Every) * time.Hour
	case UnitDay:
		return time.Duration(f.Every) * 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether the frequency has a positive interval and a known unit.
func (f Frequency) Valid() bool {
	return f.Every > 0 && (f.Unit == UnitMinute || f.Unit == UnitHour || f.Unit == UnitDay)
}

// Edge is a directed dependency between two nodes. Endpoints are node ids
// or the StartNode/EndNode sentinels.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Plan is a declarative probe definition. Identity within the hub is the
// (organization, project, environment, name) tuple; ID is server-assigned.
type Plan struct {
	ID           string     `json:"id,omitempty"`
	Organization string     `json:"organization,omitempty"`
	Project      string     `json:"project" validate:"required"`
	Environment  string     `json:"environment" validate:"required"`
	Name         string     `json:"name" validate:"required"`
	Version      string     `json:"version" validate:"required"`
	Frequency    *Frequency `json:"frequency,omitempty"`
	Locations    []string   `json:"locations,omitempty"`
	Nodes        NodeList   `json:"nodes"`
	Edges        []Edge     `json:"edges"`
}

// Clone returns a deep copy of the plan via the JSON codec. The codec is
// the single source of truth for the document shape, so a round trip is a
// faithful copy.
func (p *Plan) Clone() (*Plan, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan: %w", err)
	}
	out := &Plan{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("failed to decode plan copy: %w", err)
	}
	return out, nil
}

// Node returns the node with the given id, or nil.
func (p *Plan) Node(id string) Node {
	for _, n := range p.Nodes {
		if n.NodeID() == id {
			return n
		}
	}
	return nil
}
