/*
scheduler.go - Periodic ledger audit

PURPOSE:
  Periodically reconciles every code's cached summary against its event
  log and reports drift. It never repairs anything: correcting a summary is
  an explicit operator action (POST /api/codes/{id}/repair).

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Skips a tick while the legacy migration has not run yet
  - Logs each drifted code and counts it in referral_drift_reports_total

CONFIGURATION:
  - audit.interval: How often to audit (0 disables the scheduler)

USAGE:
  scheduler := NewAuditScheduler(handler, time.Hour)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Audit endpoint (manual audit)
  - referral/accountant.go: ReconcileAll
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/referral-ledger/referral"
)

// AuditScheduler runs ReconcileAll on a timer.
type AuditScheduler struct {
	Handler       *Handler
	CheckInterval time.Duration

	// OnAudit, when set, receives the drift found by every run.
	OnAudit func([]referral.DriftReport)

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewAuditScheduler(handler *Handler, interval time.Duration) *AuditScheduler {
	return &AuditScheduler{
		Handler:       handler,
		CheckInterval: interval,
	}
}

// Start begins the scheduler. A non-positive interval leaves it disabled.
func (as *AuditScheduler) Start() {
	as.mu.Lock()
	defer as.mu.Unlock()

	log := as.Handler.logger.Named("audit")
	if as.CheckInterval <= 0 {
		log.Info("audit scheduler disabled")
		return
	}
	if as.ticker != nil {
		return
	}

	as.ticker = time.NewTicker(as.CheckInterval)
	as.stop = make(chan struct{})
	as.wg.Add(1)
	go as.run()

	log.Info("audit scheduler started", zap.Duration("interval", as.CheckInterval))
}

// Stop stops the scheduler and waits for a running audit to finish.
func (as *AuditScheduler) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.ticker == nil {
		return
	}
	as.ticker.Stop()
	close(as.stop)
	as.wg.Wait()
	as.ticker = nil
	as.Handler.logger.Named("audit").Info("audit scheduler stopped")
}

func (as *AuditScheduler) run() {
	defer as.wg.Done()

	for {
		select {
		case <-as.ticker.C:
			as.RunOnce(context.Background())
		case <-as.stop:
			return
		}
	}
}

// RunOnce performs a single audit and returns the drifted codes.
func (as *AuditScheduler) RunOnce(ctx context.Context) []referral.DriftReport {
	h := as.Handler
	log := h.logger.Named("audit")

	if !h.migrated.Load() {
		legacy, err := h.Migrator.NeedsMigration(ctx)
		if err != nil {
			log.Error("failed to inspect schema", zap.Error(err))
			return nil
		}
		if legacy {
			log.Info("legacy schema present, skipping audit")
			return nil
		}
	}

	reports, err := h.Accountant.ReconcileAll(ctx)
	if err != nil {
		log.Error("audit failed", zap.Error(err))
		return nil
	}

	h.metrics.driftReports.Add(float64(len(reports)))
	for _, r := range reports {
		log.Warn("summary drift detected",
			zap.Int64("code_id", int64(r.CodeID)),
			zap.String("code", r.Code),
			zap.Int64("use_count_delta", r.UseCountDelta()),
			zap.Int64("total_rewards_delta", r.TotalRewardsDelta()),
		)
	}
	log.Info("audit complete", zap.Int("drifted", len(reports)))

	if as.OnAudit != nil {
		as.OnAudit(reports)
	}
	return reports
}
