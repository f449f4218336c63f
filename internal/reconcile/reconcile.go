// Package reconcile keeps the scheduler's live job set converged with the
// stored schedule definitions. A pass is idempotent: converged state yields
// no additions and no removals.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"xpilot/internal/clock"
	"xpilot/internal/errdefs"
	"xpilot/internal/storage"
	logx "xpilot/pkg/logx"
)

// schedulePrefix namespaces tenant schedule jobs in the scheduler. System
// jobs (the reconciler itself, auto-pilot, the refresher) live outside this
// prefix and are never touched by reconciliation.
const schedulePrefix = "schedule:"

// JobID returns the scheduler ID for a schedule definition.
func JobID(scheduleID uint) string {
	return fmt.Sprintf("%s%d", schedulePrefix, scheduleID)
}

// Diff computes the convergence delta between stored definitions and the
// live scheduler IDs. toAdd lists definitions with no live job; toRemove
// lists live schedule-prefixed IDs whose definition is gone or inactive.
// IDs outside the schedule prefix are ignored entirely.
func Diff(defs []storage.ScheduleDefinition, live []string) (toAdd []storage.ScheduleDefinition, toRemove []string) {
	desired := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		desired[JobID(d.ID)] = struct{}{}
	}

	liveSet := make(map[string]struct{}, len(live))
	for _, id := range live {
		if !strings.HasPrefix(id, schedulePrefix) {
			continue
		}
		liveSet[id] = struct{}{}
		if _, ok := desired[id]; !ok {
			toRemove = append(toRemove, id)
		}
	}
	for _, d := range defs {
		if _, ok := liveSet[JobID(d.ID)]; !ok {
			toAdd = append(toAdd, d)
		}
	}

	sort.Slice(toAdd, func(i, j int) bool { return toAdd[i].ID < toAdd[j].ID })
	sort.Strings(toRemove)
	return toAdd, toRemove
}

// jobRegistry is the slice of the scheduler the reconciler drives.
type jobRegistry interface {
	IDs() []string
	AddRecurring(id, spec string, fn func(ctx context.Context) error) error
	AddOneShot(id string, at time.Time, fn func(ctx context.Context) error)
	Remove(id string)
}

// scheduleSource is the slice of the store the reconciler reads.
type scheduleSource interface {
	ActiveSchedules(ctx context.Context) ([]storage.ScheduleDefinition, error)
	GetSchedule(ctx context.Context, id uint) (*storage.ScheduleDefinition, error)
	DeactivateSchedule(ctx context.Context, id uint) error
}

// Firer executes the publish pipeline for a due schedule.
type Firer interface {
	FireSchedule(ctx context.Context, def *storage.ScheduleDefinition) error
}

type Reconciler struct {
	store scheduleSource
	sched jobRegistry
	firer Firer
	clk   clock.Clock
	log   logx.Logger
}

func New(store scheduleSource, sched jobRegistry, firer Firer, clk clock.Clock, log logx.Logger) *Reconciler {
	if clk == nil {
		clk = clock.System()
	}
	return &Reconciler{store: store, sched: sched, firer: firer, clk: clk, log: log}
}

// Run performs one reconciliation pass. A definition that cannot be
// registered (bad cron line, one-shot without a timestamp) is skipped with a
// warning; its siblings still converge.
func (r *Reconciler) Run(ctx context.Context) error {
	defs, err := r.store.ActiveSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}

	toAdd, toRemove := Diff(defs, r.sched.IDs())
	for _, id := range toRemove {
		r.sched.Remove(id)
	}

	var added, skipped int
	for _, def := range toAdd {
		if err := r.register(def); err != nil {
			skipped++
			r.log.Warn("schedule skipped",
				logx.Int64("schedule_id", int64(def.ID)),
				logx.Int64("tenant_id", int64(def.TenantID)),
				logx.Err(err),
			)
			continue
		}
		added++
	}

	if added > 0 || skipped > 0 || len(toRemove) > 0 {
		r.log.Info("schedules reconciled",
			logx.Int("added", added),
			logx.Int("removed", len(toRemove)),
			logx.Int("skipped", skipped),
			logx.Int("active", len(defs)),
		)
	}
	return nil
}

func (r *Reconciler) register(def storage.ScheduleDefinition) error {
	id := JobID(def.ID)
	scheduleID := def.ID

	fire := func(ctx context.Context) error {
		return r.fire(ctx, scheduleID)
	}

	switch def.Kind {
	case storage.ScheduleRecurring:
		if strings.TrimSpace(def.CronExpr) == "" {
			return errdefs.Configf("recurring schedule has no cron expression")
		}
		return r.sched.AddRecurring(id, def.CronExpr, fire)
	case storage.ScheduleOneShot:
		if def.ScheduledAt == nil {
			return errdefs.Configf("one-shot schedule has no timestamp")
		}
		// A one-shot whose time already passed is expired, not late: it is
		// never fired retroactively.
		if !def.ScheduledAt.After(r.clk.Now()) {
			return errdefs.Configf("one-shot schedule expired at %s", def.ScheduledAt.UTC().Format(time.RFC3339))
		}
		r.sched.AddOneShot(id, *def.ScheduledAt, fire)
		return nil
	default:
		return errdefs.Configf("unknown schedule kind %q", def.Kind)
	}
}

// fire re-reads the definition at execution time so an edit or deactivation
// between reconciliation and firing is honored.
func (r *Reconciler) fire(ctx context.Context, scheduleID uint) error {
	def, err := r.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return fmt.Errorf("load schedule %d: %w", scheduleID, err)
	}
	if !def.IsActive {
		r.log.Debug("schedule no longer active; skipping fire", logx.Int64("schedule_id", int64(scheduleID)))
		return nil
	}

	fireErr := r.firer.FireSchedule(ctx, def)

	// A one-shot burns out after its single fire regardless of outcome; the
	// publish pipeline owns retries within the fire itself.
	if def.Kind == storage.ScheduleOneShot {
		if err := r.store.DeactivateSchedule(ctx, scheduleID); err != nil {
			r.log.Error("failed deactivating fired one-shot", logx.Int64("schedule_id", int64(scheduleID)), logx.Err(err))
		}
	}
	return fireErr
}
