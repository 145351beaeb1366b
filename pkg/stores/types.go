package stores

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// TriggerSource identifies what created a run.
type TriggerSource string

const (
	TriggerSchedule TriggerSource = "SCHEDULE"
	TriggerManual   TriggerSource = "MANUAL"
	TriggerAPI      TriggerSource = "API"
)

// AgentStatus is the liveness state of a registered agent.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "ONLINE"
	AgentOffline AgentStatus = "OFFLINE"
)

// StoredPlan is a persisted plan row. Document holds the full plan JSON;
// the remaining columns are indexed projections of it.
type StoredPlan struct {
	ID           string
	Organization string
	Project      string
	Environment  string
	Name         string
	Version      string
	ContentHash  string
	Document     json.RawMessage

	// LastStartedAt is the most recent run start for this plan. Only
	// populated by DuePlans.
	LastStartedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Run is a single execution attempt record.
type Run struct {
	ID               string        `json:"id"`
	PlanID           string        `json:"planId"`
	ExecutionGroupID string        `json:"executionGroupId"`
	Location         string        `json:"location"`
	Environment      string        `json:"environment"`
	TriggeredBy      TriggerSource `json:"triggeredBy"`
	Status           RunStatus     `json:"status"`
	StartedAt        time.Time     `json:"startedAt"`
	CompletedAt      *time.Time    `json:"completedAt,omitempty"`
	DurationMS       *int64        `json:"durationMs,omitempty"`
	Success          *bool         `json:"success,omitempty"`
	Errors           []string      `json:"errors,omitempty"`
}

// RunUpdate carries the mutable fields of a run status PATCH. Nil fields
// are left unchanged.
type RunUpdate struct {
	Status     RunStatus
	DurationMS *int64
	Success    *bool
	Errors     []string
}

// Agent is a registered executor record.
type Agent struct {
	ID            string            `json:"id"`
	Location      string            `json:"location"`
	Status        AgentStatus       `json:"status"`
	LastHeartbeat time.Time         `json:"lastHeartbeat"`
	RegisteredAt  time.Time         `json:"registeredAt"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// PlanFilter restricts plan listings.
type PlanFilter struct {
	ProjectID   string
	Environment string
	Limit       int
	Offset      int
}

// RunFilter restricts run listings.
type RunFilter struct {
	PlanID string
	Limit  int
	Offset int
}

// AgentFilter restricts agent listings.
type AgentFilter struct {
	Location string
	Status   AgentStatus
}
