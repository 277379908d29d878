/*
scheduler.go - Scheduled view reconciliation

PURPOSE:
  Periodically rebuilds the materialized documents (points views, campaign
  totals, supports) from the ledger and repairs any drift. Each pass is
  recorded as a ReconcileRun for audit and the admin API.

DESIGN:
  - robfig/cron drives the schedule ("@every 1h", "0 3 * * *", ...)
  - Overlapping passes are skipped, never queued
  - A manual run (POST /api/admin/reconcile) shares the same guard

USAGE:
  scheduler, err := NewReconcileScheduler(svc, "@every 1h", logger)
  scheduler.Start()
  // ... later
  <-scheduler.Stop().Done()

SEE ALSO:
  - service/reconcile.go: the reconciliation itself
  - handlers.go: TriggerReconcile, ReconcileStatus
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/warp/community-ledger/storage"
)

// ErrReconcileRunning is returned by RunNow while another pass is running.
var ErrReconcileRunning = errors.New("reconcile already running")

// Reconciler runs one reconciliation pass.
type Reconciler interface {
	Reconcile(ctx context.Context) (storage.ReconcileRun, error)
}

// ReconcileScheduler runs the Reconciler on a cron schedule.
type ReconcileScheduler struct {
	reconciler Reconciler
	schedule   string
	log        logrus.FieldLogger

	// Timeout bounds one scheduled pass. Zero means no bound.
	Timeout time.Duration

	cron    *cron.Cron
	entry   cron.EntryID
	running sync.Mutex

	mu      sync.Mutex
	started bool
}

// NewReconcileScheduler validates schedule and prepares the scheduler.
// An empty schedule yields a scheduler that only runs on demand.
func NewReconcileScheduler(r Reconciler, schedule string, log logrus.FieldLogger) (*ReconcileScheduler, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	rs := &ReconcileScheduler{
		reconciler: r,
		schedule:   schedule,
		log:        log.WithField("component", "scheduler"),
		cron:       cron.New(cron.WithLogger(cron.PrintfLogger(log))),
	}
	if schedule == "" {
		return rs, nil
	}

	id, err := rs.cron.AddFunc(schedule, rs.scheduled)
	if err != nil {
		return nil, err
	}
	rs.entry = id
	return rs, nil
}

// Start begins the schedule. It is a no-op without a schedule or when
// already started.
func (rs *ReconcileScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.schedule == "" {
		rs.log.Info("no reconcile schedule, running on demand only")
		return
	}
	if rs.started {
		return
	}
	rs.cron.Start()
	rs.started = true
	rs.log.WithFields(logrus.Fields{"schedule": rs.schedule, "next": rs.NextRun()}).Info("scheduler started")
}

// Stop halts the schedule. The returned context is done once a pass in
// progress has finished.
func (rs *ReconcileScheduler) Stop() context.Context {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.started = false
	ctx := rs.cron.Stop()
	rs.log.Info("scheduler stopped")
	return ctx
}

// NextRun returns when the next scheduled pass will start, or the zero
// time when nothing is scheduled.
func (rs *ReconcileScheduler) NextRun() time.Time {
	if rs.entry == 0 {
		return time.Time{}
	}
	return rs.cron.Entry(rs.entry).Next
}

// RunNow runs a pass immediately unless one is already running.
func (rs *ReconcileScheduler) RunNow(ctx context.Context) (storage.ReconcileRun, error) {
	if !rs.running.TryLock() {
		return storage.ReconcileRun{}, ErrReconcileRunning
	}
	defer rs.running.Unlock()
	return rs.reconciler.Reconcile(ctx)
}

func (rs *ReconcileScheduler) scheduled() {
	ctx := context.Background()
	if rs.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rs.Timeout)
		defer cancel()
	}

	run, err := rs.RunNow(ctx)
	switch {
	case errors.Is(err, ErrReconcileRunning):
		rs.log.Debug("skipping scheduled pass, previous one still running")
	case err != nil:
		rs.log.WithError(err).WithField("run_id", run.ID).Error("scheduled reconcile failed")
	default:
		rs.log.WithFields(logrus.Fields{"run_id": run.ID, "drifted": run.Drifted}).Debug("scheduled reconcile done")
	}
}
