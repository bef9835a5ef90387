package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/referral-ledger/config"
	"github.com/warp/referral-ledger/migration"
	"github.com/warp/referral-ledger/referral"
	"github.com/warp/referral-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// newTestApp returns an app over a fresh file database. Each command opens
// its own connection, so an in-memory database would not survive between
// calls.
func newTestApp(t *testing.T) *app {
	return &app{
		cfg: &config.Config{Database: config.DatabaseConfig{
			Path:        filepath.Join(t.TempDir(), "referral.db"),
			BusyTimeout: time.Second,
		}},
		logger: zap.NewNop(),
	}
}

func seedCodes(t *testing.T, a *app, n int) []referral.InvitationCode {
	var out []referral.InvitationCode
	require.NoError(t, a.withStore(func(store *sqlite.Store) error {
		codes := referral.NewCodeRepository(store)
		for i := 0; i < n; i++ {
			code, err := codes.Create(context.Background(), referral.UserID(i+1), 10)
			if err != nil {
				return err
			}
			out = append(out, code)
		}
		return nil
	}))
	return out
}

// =============================================================================
// RECONCILE
// =============================================================================

func TestReconcileAll_Consistent(t *testing.T) {
	a := newTestApp(t)
	seedCodes(t, a, 2)

	var out bytes.Buffer
	err := a.withLedger(context.Background(), func(store *sqlite.Store) error {
		return reconcileAll(context.Background(), &out, referral.NewAccountant(store), false)
	})
	require.NoError(t, err)
	assert.Equal(t, "all codes consistent\n", out.String())
}

func TestReconcileAll_DriftWithoutRepairFails(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	codes := seedCodes(t, a, 2)

	// GIVEN: One summary that disagrees with its log
	require.NoError(t, a.withStore(func(store *sqlite.Store) error {
		return store.OverwriteSummary(ctx, codes[1].ID, referral.Aggregate{Count: 3, Sum: 30})
	}))

	// WHEN: Auditing without --repair
	var out bytes.Buffer
	err := a.withLedger(ctx, func(store *sqlite.Store) error {
		return reconcileAll(ctx, &out, referral.NewAccountant(store), false)
	})

	// THEN: The drift is printed and the command fails
	assert.ErrorIs(t, err, referral.ErrConsistency)
	assert.Contains(t, out.String(), codes[1].Code)
	assert.Contains(t, out.String(), "cached use_count=3 total_rewards=30, log count=0 sum=0")
	assert.NotContains(t, out.String(), "repaired")

	// AND: Nothing was written
	require.NoError(t, a.withStore(func(store *sqlite.Store) error {
		got, err := store.GetCode(ctx, codes[1].ID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.UseCount)
		return nil
	}))
}

func TestReconcileAll_RepairFixesDrift(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	codes := seedCodes(t, a, 3)

	require.NoError(t, a.withStore(func(store *sqlite.Store) error {
		for _, c := range codes[:2] {
			if err := store.OverwriteSummary(ctx, c.ID, referral.Aggregate{Count: 1, Sum: 10}); err != nil {
				return err
			}
		}
		return nil
	}))

	// WHEN: Auditing with --repair
	var out bytes.Buffer
	err := a.withLedger(ctx, func(store *sqlite.Store) error {
		return reconcileAll(ctx, &out, referral.NewAccountant(store), true)
	})

	// THEN: Both drifted codes were repaired
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(out.Bytes(), []byte("  repaired\n")))

	// AND: A second audit finds nothing
	out.Reset()
	err = a.withLedger(ctx, func(store *sqlite.Store) error {
		return reconcileAll(ctx, &out, referral.NewAccountant(store), false)
	})
	require.NoError(t, err)
	assert.Equal(t, "all codes consistent\n", out.String())
}

// =============================================================================
// LEGACY GUARD
// =============================================================================

func makeLegacy(t *testing.T, a *app) {
	require.NoError(t, a.withStore(func(store *sqlite.Store) error {
		_, err := store.DB().Exec(`
			DROP TABLE redemption_event;
			DROP TABLE invitation_code;
			CREATE TABLE invitation_code (
				id INTEGER PRIMARY KEY, code VARCHAR(32) NOT NULL, inviter_id INTEGER NOT NULL,
				invitee_id INTEGER, status INTEGER NOT NULL DEFAULT 0,
				reward_points INTEGER NOT NULL DEFAULT 0, reward_granted INTEGER NOT NULL DEFAULT 0,
				used_at DATETIME, created_at DATETIME NOT NULL
			);
			INSERT INTO invitation_code (id, code, inviter_id, invitee_id, status, reward_points, reward_granted, used_at, created_at)
			VALUES (1, 'OLD12345', 7, 8, 1, 10, 1, '2024-05-01 10:00:00', '2024-04-01 09:00:00'),
			       (2, 'GIFT2345', 7, NULL, 0, 10, 1, NULL, '2024-04-02 09:00:00');`)
		return err
	}))
}

func TestWithLedger_RefusesLegacyDatabase(t *testing.T) {
	a := newTestApp(t)
	makeLegacy(t, a)

	called := false
	err := a.withLedger(context.Background(), func(*sqlite.Store) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, errNeedsMigration)
	assert.False(t, called)
}

func TestWithLedger_RunsAfterMigration(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	makeLegacy(t, a)

	// GIVEN: The legacy database has been migrated
	var out bytes.Buffer
	require.NoError(t, a.withStore(func(store *sqlite.Store) error {
		report, err := migration.New(store.DB()).MigrateIfNeeded(ctx)
		if err != nil {
			return err
		}
		printMigrationReport(&out, report)
		return nil
	}))
	assert.Contains(t, out.String(), "migrated 2 codes, synthesized 1 events")
	assert.Contains(t, out.String(), "rewarded codes never used (will not reconcile): [2]")

	// WHEN: Running a ledger command
	called := false
	err := a.withLedger(ctx, func(*sqlite.Store) error {
		called = true
		return nil
	})

	// THEN: It runs
	require.NoError(t, err)
	assert.True(t, called)
}

func TestPrintMigrationReport_NoOp(t *testing.T) {
	var out bytes.Buffer
	printMigrationReport(&out, migration.Report{})
	assert.Equal(t, "already migrated, nothing to do\n", out.String())
}
