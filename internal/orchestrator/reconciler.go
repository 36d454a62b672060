package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"tickerflow/logger"
)

const DefaultReconcileSchedule = "@every 1h"

// Reconciler runs the periodic cross-provider refresh of every started
// category on one cron schedule.
type Reconciler struct {
	cron     *cron.Cron
	schedule string
	log      *logger.Entry

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]cron.EntryID
	running bool
}

// NewReconciler validates schedule (standard cron or @every descriptors).
func NewReconciler(schedule string) (*Reconciler, error) {
	if schedule == "" {
		schedule = DefaultReconcileSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	return &Reconciler{
		cron:     cron.New(),
		schedule: schedule,
		log:      logger.GetLogger().WithComponent("reconciler"),
		ctx:      context.Background(),
		entries:  make(map[string]cron.EntryID),
	}, nil
}

// Start begins firing registered jobs. Jobs receive ctx.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("reconciler already running")
	}
	r.running = true
	r.ctx = ctx
	r.cron.Start()
	r.log.WithField("schedule", r.schedule).Info("reconciler started")
	return nil
}

// Register schedules job under name, once.
func (r *Reconciler) Register(name string, job func(ctx context.Context)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return nil
	}
	id, err := r.cron.AddFunc(r.schedule, func() {
		r.mu.Lock()
		ctx := r.ctx
		r.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		r.log.WithField("job", name).Debug("reconciliation triggered")
		job(ctx)
	})
	if err != nil {
		return err
	}
	r.entries[name] = id
	return nil
}

// Jobs lists the registered job names.
func (r *Reconciler) Jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}

// Stop halts the schedule and waits for running jobs.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	<-r.cron.Stop().Done()
	r.log.Info("reconciler stopped")
}
