// Package reconcile implements declarative plan management: load plan
// documents from a directory, diff them against the hub's stored state
// by content hash and apply the difference.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/openprobe/openprobe/pkg/plan"
	"github.com/openprobe/openprobe/pkg/telemetry"
)

// ChangeType classifies one entry of a diff.
type ChangeType string

const (
	ChangeCreate ChangeType = "CREATE"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
	ChangeNoop   ChangeType = "NOOP"
)

// Change is one planned operation against the hub.
type Change struct {
	Type   ChangeType
	Name   string
	PlanID string
	Local  *plan.Plan
	Remote *plan.Plan
}

// Summary counts the applied (or pending, under dry run) operations.
type Summary struct {
	Created   int
	Updated   int
	Deleted   int
	Unchanged int
	Failed    int
}

// Pending reports whether the summary contains any mutation. Failed
// actions count as pending: the hub does not yet match the local set.
func (s Summary) Pending() bool {
	return s.Created+s.Updated+s.Deleted+s.Failed > 0
}

func (s Summary) String() string {
	out := fmt.Sprintf("%d created, %d updated, %d deleted, %d unchanged",
		s.Created, s.Updated, s.Deleted, s.Unchanged)
	if s.Failed > 0 {
		out += fmt.Sprintf(", %d failed", s.Failed)
	}
	return out
}

// Hub is the subset of the hub API the reconciler drives.
type Hub interface {
	ListPlans(ctx context.Context, projectID, environment string, limit, offset int) ([]*plan.Plan, error)
	CreatePlan(ctx context.Context, doc *plan.Plan) (*plan.Plan, error)
	UpdatePlan(ctx context.Context, id string, doc *plan.Plan) (*plan.Plan, error)
	DeletePlan(ctx context.Context, id string) error
}

// Options scope a reconciliation.
type Options struct {
	ProjectID   string
	Environment string

	// IncludeDeletions deletes stored plans absent from the local set.
	// Off by default so a partial directory cannot wipe a project.
	IncludeDeletions bool

	// DryRun computes and logs the diff without applying it.
	DryRun bool
}

// Reconciler diffs local plan documents against the hub and applies the
// difference.
type Reconciler struct {
	hub    Hub
	logger *telemetry.Logger
}

// New creates a reconciler.
func New(hub Hub, logger *telemetry.Logger) *Reconciler {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Reconciler{hub: hub, logger: logger.NewComponentLogger("reconcile")}
}

const listPageSize = 200

// Diff compares the local documents with the hub's stored plans for the
// (project, environment) scope. Plans are matched by name; equality is
// by content hash so formatting and key order never produce spurious
// updates.
func (r *Reconciler) Diff(ctx context.Context, local []*plan.Plan, opts Options) ([]Change, error) {
	remote, err := r.listAll(ctx, opts.ProjectID, opts.Environment)
	if err != nil {
		return nil, err
	}

	remoteByName := make(map[string]*plan.Plan, len(remote))
	for _, doc := range remote {
		remoteByName[doc.Name] = doc
	}

	var changes []Change
	for _, doc := range local {
		stored, exists := remoteByName[doc.Name]
		if !exists {
			changes = append(changes, Change{Type: ChangeCreate, Name: doc.Name, Local: doc})
			continue
		}
		delete(remoteByName, doc.Name)

		localHash, err := plan.Hash(doc)
		if err != nil {
			return nil, fmt.Errorf("plan %q: %w", doc.Name, err)
		}
		remoteHash, err := plan.Hash(stored)
		if err != nil {
			return nil, fmt.Errorf("stored plan %q: %w", stored.Name, err)
		}

		change := Change{Name: doc.Name, PlanID: stored.ID, Local: doc, Remote: stored}
		if localHash == remoteHash {
			change.Type = ChangeNoop
		} else {
			change.Type = ChangeUpdate
		}
		changes = append(changes, change)
	}

	if opts.IncludeDeletions {
		leftover := make([]*plan.Plan, 0, len(remoteByName))
		for _, stored := range remoteByName {
			leftover = append(leftover, stored)
		}
		sort.Slice(leftover, func(i, j int) bool { return leftover[i].Name < leftover[j].Name })
		for _, stored := range leftover {
			changes = append(changes, Change{Type: ChangeDelete, Name: stored.Name, PlanID: stored.ID, Remote: stored})
		}
	}
	return changes, nil
}

// Apply executes the diff against the hub. A failed action is recorded
// and the remaining changes still run, so one bad plan cannot block the
// rest of the set. Under DryRun nothing is sent; the summary still
// reports what would change.
func (r *Reconciler) Apply(ctx context.Context, changes []Change, opts Options) (Summary, error) {
	var summary Summary
	var errs []error
	for _, change := range changes {
		if change.Type == ChangeNoop {
			summary.Unchanged++
			continue
		}

		if opts.DryRun {
			r.logger.Infof("would %s plan %q", change.Type, change.Name)
			summary.count(change.Type)
			continue
		}

		if err := r.apply(ctx, change); err != nil {
			summary.Failed++
			errs = append(errs, fmt.Errorf("failed to %s plan %q: %w", change.Type, change.Name, err))
			r.logger.WithError(err).Errorf("failed to %s plan %q", change.Type, change.Name)
			continue
		}
		summary.count(change.Type)
		r.logger.Infof("%s plan %q", change.Type, change.Name)
	}
	return summary, errors.Join(errs...)
}

func (s *Summary) count(t ChangeType) {
	switch t {
	case ChangeCreate:
		s.Created++
	case ChangeUpdate:
		s.Updated++
	case ChangeDelete:
		s.Deleted++
	}
}

func (r *Reconciler) apply(ctx context.Context, change Change) error {
	switch change.Type {
	case ChangeCreate:
		_, err := r.hub.CreatePlan(ctx, change.Local)
		return err
	case ChangeUpdate:
		_, err := r.hub.UpdatePlan(ctx, change.PlanID, change.Local)
		return err
	case ChangeDelete:
		return r.hub.DeletePlan(ctx, change.PlanID)
	default:
		return fmt.Errorf("unknown change type %q", change.Type)
	}
}

func (r *Reconciler) listAll(ctx context.Context, projectID, environment string) ([]*plan.Plan, error) {
	var all []*plan.Plan
	for offset := 0; ; offset += listPageSize {
		page, err := r.hub.ListPlans(ctx, projectID, environment, listPageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < listPageSize {
			return all, nil
		}
	}
}
