/*
Package migration converts the legacy single-use invitation table into the
permanent referral ledger.

PURPOSE:
  The legacy invitation_code table held one row per single-use code, with a
  status flag (unused / used / disabled), the invitee, the reward amount and
  a separate flag telling whether the reward was actually granted. There was
  no usage log. The ledger needs reusable codes with summary counters and a
  redemption_event row for every historical redemption.

STATE MACHINE:
  NotMigrated -> Migrating -> Migrated
  Migrated is terminal; MigrateIfNeeded on a migrated database is a no-op.

DETECTION:
  Structural only. The legacy table lacks the is_active column; the current
  one has it. There is no flag row, so a half-upgraded deployment is still
  detected correctly.

ALGORITHM (one transaction, all or nothing):
  1. Re-check detection inside the transaction
  2. Copy invitation_code verbatim into invitation_code_backup_<timestamp>
  3. Create invitation_code_next and redemption_event
  4. Derive each code (use count, total rewards, last use, active flag)
  5. Drop the legacy table, rename invitation_code_next into place
  6. Synthesize one redemption_event per consumed code with an invitee
  7. Commit

  Any error rolls everything back. The legacy table is untouched and
  detection still reports NotMigrated; the caller may simply retry.

DERIVATION:
  "Consumed" and "reward granted" are separate legacy flags and are derived
  independently:
    use_count     = 1 if status == used, else 0
    total_rewards = reward_points if reward_granted, else 0
    last_used_at  = used_at, or NULL
    is_active     = status != disabled

  A synthesized event uses used_at, falling back to created_at when the
  legacy row has no usage time. That fallback is an approximation and is
  listed in Report.ApproximateTimes.

SEE ALSO:
  - store/sqlite/schema.go: DDL and introspection
  - referral/errors.go: MigrationError
*/
package migration

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/referral-ledger/referral"
	"github.com/warp/referral-ledger/store/sqlite"
)

// =============================================================================
// STATE & STEPS
// =============================================================================

type State string

const (
	StateNotMigrated State = "not_migrated"
	StateMigrating   State = "migrating"
	StateMigrated    State = "migrated"
)

// Step names a phase of the migration transaction.
type Step string

const (
	StepBegin     Step = "begin"
	StepDetect    Step = "detect"
	StepBackup    Step = "backup"
	StepCreate    Step = "create_tables"
	StepTransform Step = "transform"
	StepSwap      Step = "swap"
	StepEvents    Step = "synthesize_events"
	StepCommit    Step = "commit"
)

// Legacy status values.
const (
	legacyStatusUnused   = 0
	legacyStatusUsed     = 1
	legacyStatusDisabled = 2
)

const (
	nextTable    = "invitation_code_next"
	backupPrefix = "invitation_code_backup_"
)

// =============================================================================
// REPORT
// =============================================================================

// Report describes one MigrateIfNeeded call.
type Report struct {
	RunID             string
	Performed         bool
	BackupTable       string
	CodesMigrated     int
	EventsSynthesized int

	// ApproximateTimes lists codes whose synthesized event uses created_at
	// because the legacy row had no usage time.
	ApproximateTimes []referral.CodeID

	// Unattributed lists consumed codes with no invitee. No event can be
	// synthesized for them, so Accountant.Reconcile will report drift until
	// an operator repairs them.
	Unattributed []referral.CodeID

	// GrantedUnused lists codes whose legacy row had the reward flag set but
	// was never consumed. They carry rewards with no event behind them and
	// will report drift until repaired.
	GrantedUnused []referral.CodeID

	Started  time.Time
	Finished time.Time
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine runs the legacy migration against a SQLite database.
type Engine struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
	hook   func(Step) error

	mu      sync.Mutex
	running bool
}

type Option func(*Engine)

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the clock used for backup names and report times.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithStepHook registers fn to run at the start of every step inside the
// transaction. A non-nil return aborts the migration at that step.
func WithStepHook(fn func(Step) error) Option {
	return func(e *Engine) { e.hook = fn }
}

func New(db *sql.DB, opts ...Option) *Engine {
	e := &Engine{
		db:     db,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NeedsMigration reports whether the legacy table is present.
func (e *Engine) NeedsMigration(ctx context.Context) (bool, error) {
	return sqlite.IsLegacySchema(ctx, e.db)
}

// State reports the migration state. While this engine is running a
// migration it reports StateMigrating without touching the database.
func (e *Engine) State(ctx context.Context) (State, error) {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if running {
		return StateMigrating, nil
	}

	legacy, err := e.NeedsMigration(ctx)
	if err != nil {
		return "", err
	}
	if legacy {
		return StateNotMigrated, nil
	}
	return StateMigrated, nil
}

// MigrateIfNeeded converts the legacy table if present. On an already
// migrated database it performs no writes and returns a report with
// Performed=false.
func (e *Engine) MigrateIfNeeded(ctx context.Context) (Report, error) {
	report := Report{RunID: uuid.NewString(), Started: e.now().UTC()}
	log := e.logger.With(zap.String("run_id", report.RunID))

	// Fast path avoids taking the write lock on every call.
	legacy, err := e.NeedsMigration(ctx)
	if err != nil {
		return report, e.fail(log, report.RunID, StepDetect, err)
	}
	if !legacy {
		report.Finished = e.now().UTC()
		return report, nil
	}

	e.setRunning(true)
	defer e.setRunning(false)

	log.Info("legacy invitation table detected, migrating")
	performed, err := e.migrate(ctx, &report, log)
	if err != nil {
		return report, err
	}
	report.Performed = performed
	report.Finished = e.now().UTC()

	if performed {
		log.Info("migration committed",
			zap.String("backup_table", report.BackupTable),
			zap.Int("codes", report.CodesMigrated),
			zap.Int("events", report.EventsSynthesized),
			zap.Int("approximate_times", len(report.ApproximateTimes)),
			zap.Int("unattributed", len(report.Unattributed)),
			zap.Int("granted_unused", len(report.GrantedUnused)),
		)
		if len(report.Unattributed) > 0 {
			log.Warn("consumed legacy codes without invitee, summaries will not reconcile",
				zap.Any("code_ids", report.Unattributed))
		}
		if len(report.GrantedUnused) > 0 {
			log.Warn("rewarded legacy codes that were never used, summaries will not reconcile",
				zap.Any("code_ids", report.GrantedUnused))
		}
	}
	return report, nil
}

func (e *Engine) migrate(ctx context.Context, report *Report, log *zap.Logger) (bool, error) {
	step := StepBegin
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return false, e.fail(log, report.RunID, step, err)
	}
	defer tx.Rollback()

	run := func(s Step, fn func() error) error {
		step = s
		if e.hook != nil {
			if err := e.hook(s); err != nil {
				return err
			}
		}
		return fn()
	}

	// A concurrent caller may have migrated while we waited for the lock.
	var legacy bool
	if err := run(StepDetect, func() (err error) {
		legacy, err = sqlite.IsLegacySchema(ctx, tx)
		return err
	}); err != nil {
		return false, e.fail(log, report.RunID, step, err)
	}
	if !legacy {
		log.Info("already migrated by another caller")
		return false, tx.Commit()
	}

	backup := backupPrefix + report.Started.Format("20060102150405")
	var rows []legacyRow
	// Filled during the transaction, copied into report only after commit.
	var synth Report

	steps := []struct {
		step Step
		fn   func() error
	}{
		{StepBackup, func() error { return backupLegacy(ctx, tx, backup) }},
		{StepCreate, func() error { return createTables(ctx, tx) }},
		{StepTransform, func() (err error) {
			rows, err = transform(ctx, tx)
			return err
		}},
		{StepSwap, func() error { return swap(ctx, tx) }},
		{StepEvents, func() error { return synthesizeEvents(ctx, tx, rows, &synth) }},
	}
	for _, s := range steps {
		if err := run(s.step, s.fn); err != nil {
			return false, e.fail(log, report.RunID, step, err)
		}
	}

	if err := run(StepCommit, tx.Commit); err != nil {
		return false, e.fail(log, report.RunID, step, err)
	}
	report.BackupTable = backup
	report.CodesMigrated = len(rows)
	report.EventsSynthesized = synth.EventsSynthesized
	report.ApproximateTimes = synth.ApproximateTimes
	report.Unattributed = synth.Unattributed
	report.GrantedUnused = synth.GrantedUnused
	return true, nil
}

func (e *Engine) fail(log *zap.Logger, runID string, step Step, err error) error {
	log.Error("migration rolled back", zap.String("step", string(step)), zap.Error(err))
	return &referral.MigrationError{RunID: runID, Step: string(step), Err: err}
}

func (e *Engine) setRunning(v bool) {
	e.mu.Lock()
	e.running = v
	e.mu.Unlock()
}
