package referral_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/referral-ledger/referral"
)

func TestAccountant_ResyncRewardRate_OnlyActiveCodes(t *testing.T) {
	stores(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()

		// GIVEN: Two active codes and one inactive, each with history
		a, err := f.codes.Create(ctx, 1, 10)
		require.NoError(t, err)
		b, err := f.codes.Create(ctx, 2, 5)
		require.NoError(t, err)
		off, err := f.codes.Create(ctx, 3, 10)
		require.NoError(t, err)

		totals := map[referral.CodeID]int64{a.ID: 10, b.ID: 5, off.ID: 10}
		for id, points := range totals {
			_, err := f.ledger.Record(ctx, id, referral.UserID(100+int64(id)), points)
			require.NoError(t, err)
		}
		require.NoError(t, f.codes.SetActive(ctx, off.ID, false))

		// WHEN: Resyncing to 15
		n, err := f.accountant.ResyncRewardRate(ctx, 15)
		require.NoError(t, err)

		// THEN: Only the active rates changed
		assert.Equal(t, int64(2), n)
		for _, id := range []referral.CodeID{a.ID, b.ID} {
			got, err := f.codes.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, int64(15), got.RewardPoints)
		}
		got, err := f.codes.Get(ctx, off.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(10), got.RewardPoints)

		// AND: No summary moved and nothing drifted
		for id, total := range totals {
			got, err := f.codes.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, int64(1), got.UseCount)
			assert.Equal(t, total, got.TotalRewards)
		}
		reports, err := f.accountant.ReconcileAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, reports)
	})
}

func TestAccountant_ResyncRewardRate_NoActiveCodes(t *testing.T) {
	stores(t, func(t *testing.T, f *fixture) {
		n, err := f.accountant.ResyncRewardRate(context.Background(), 15)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestAccountant_ResyncRewardRate_Negative(t *testing.T) {
	stores(t, func(t *testing.T, f *fixture) {
		_, err := f.accountant.ResyncRewardRate(context.Background(), -1)
		assert.ErrorIs(t, err, referral.ErrValidation)
	})
}

func TestAccountant_ReconcileDetectsAndRepairsDrift(t *testing.T) {
	stores(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()

		// GIVEN: A code with two redemptions
		code, err := f.codes.Create(ctx, 1, 10)
		require.NoError(t, err)
		_, err = f.ledger.Record(ctx, code.ID, 100, 10)
		require.NoError(t, err)
		last, err := f.ledger.Record(ctx, code.ID, 101, 10)
		require.NoError(t, err)

		// AND: Its summary was corrupted behind the ledger's back
		require.NoError(t, f.store.OverwriteSummary(ctx, code.ID, referral.Aggregate{Count: 5, Sum: 7}))

		// WHEN: Reconciling
		drift, err := f.accountant.Reconcile(ctx, code.ID)
		require.NoError(t, err)

		// THEN: Drift is reported, not corrected
		require.NotNil(t, drift)
		assert.Equal(t, referral.Summary{UseCount: 5, TotalRewards: 7}, drift.Cached)
		assert.Equal(t, int64(2), drift.Actual.Count)
		assert.Equal(t, int64(20), drift.Actual.Sum)
		assert.Equal(t, int64(-3), drift.UseCountDelta())
		assert.Equal(t, int64(13), drift.TotalRewardsDelta())
		assert.ErrorIs(t, drift.Err(), referral.ErrConsistency)

		got, err := f.codes.Get(ctx, code.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(5), got.UseCount)

		// WHEN: Repairing
		repaired, err := f.accountant.Repair(ctx, code.ID)
		require.NoError(t, err)
		require.NotNil(t, repaired)

		// THEN: The summary equals the log again
		got, err = f.codes.Get(ctx, code.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.UseCount)
		assert.Equal(t, int64(20), got.TotalRewards)
		require.NotNil(t, got.LastUsedAt)
		assert.True(t, got.LastUsedAt.Equal(last.UsedAt))

		drift, err = f.accountant.Reconcile(ctx, code.ID)
		require.NoError(t, err)
		assert.Nil(t, drift)

		// Repairing a consistent code is a no-op
		repaired, err = f.accountant.Repair(ctx, code.ID)
		require.NoError(t, err)
		assert.Nil(t, repaired)
	})
}

func TestAccountant_ReconcileAll(t *testing.T) {
	stores(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()

		ok, err := f.codes.Create(ctx, 1, 10)
		require.NoError(t, err)
		_, err = f.ledger.Record(ctx, ok.ID, 100, 10)
		require.NoError(t, err)

		bad, err := f.codes.Create(ctx, 2, 10)
		require.NoError(t, err)
		require.NoError(t, f.store.OverwriteSummary(ctx, bad.ID, referral.Aggregate{Count: 1, Sum: 10}))

		reports, err := f.accountant.ReconcileAll(ctx)
		require.NoError(t, err)
		require.Len(t, reports, 1)
		assert.Equal(t, bad.ID, reports[0].CodeID)
		assert.Equal(t, bad.Code, reports[0].Code)
	})
}

func TestAccountant_Reconcile_UnknownCode(t *testing.T) {
	stores(t, func(t *testing.T, f *fixture) {
		_, err := f.accountant.Reconcile(context.Background(), 404)
		var nf *referral.NotFoundError
		require.True(t, errors.As(err, &nf))
		assert.Equal(t, "code", nf.Kind)
		assert.Equal(t, "404", nf.Key)
	})
}
