package referral

import (
	"context"
	"time"
)

// Accountant maintains the derived summary fields on invitation codes and
// audits them against the event log.
type Accountant struct {
	store TxStore
}

func NewAccountant(store TxStore) *Accountant {
	return &Accountant{store: store}
}

// applyDelta bumps a code's summary. It must run on the transactional store
// handed to UsageLedger.record so the event and the summary commit together.
func (a *Accountant) applyDelta(ctx context.Context, s Store, codeID CodeID, useDelta, rewardDelta int64, at time.Time) error {
	return s.ApplyDelta(ctx, codeID, useDelta, rewardDelta, at)
}

// ResyncRewardRate sets reward_points on every active code to newRate and
// returns how many codes were touched. Only future redemptions are affected:
// recorded events and total_rewards are left alone.
func (a *Accountant) ResyncRewardRate(ctx context.Context, newRate int64) (int64, error) {
	if newRate < 0 {
		return 0, &ValidationError{Field: "reward_points", Reason: "must not be negative"}
	}
	return a.store.SetRateForActive(ctx, newRate)
}

// Reconcile compares a code's cached summary with its log. It returns nil
// when they agree. It never corrects anything; see Repair.
func (a *Accountant) Reconcile(ctx context.Context, codeID CodeID) (*DriftReport, error) {
	code, err := a.store.GetCode(ctx, codeID)
	if err != nil {
		return nil, err
	}
	return reconcile(ctx, a.store, code)
}

// ReconcileAll audits every code and returns the ones that drifted.
func (a *Accountant) ReconcileAll(ctx context.Context) ([]DriftReport, error) {
	codes, err := a.store.ListCodes(ctx)
	if err != nil {
		return nil, err
	}
	var reports []DriftReport
	for _, code := range codes {
		report, err := reconcile(ctx, a.store, code)
		if err != nil {
			return nil, err
		}
		if report != nil {
			reports = append(reports, *report)
		}
	}
	return reports, nil
}

// Repair overwrites a drifted code's summary with the values recomputed from
// its log and returns the drift that was corrected, or nil if there was none.
func (a *Accountant) Repair(ctx context.Context, codeID CodeID) (*DriftReport, error) {
	var repaired *DriftReport
	err := a.store.WithTx(ctx, func(s Store) error {
		code, err := s.GetCode(ctx, codeID)
		if err != nil {
			return err
		}
		report, err := reconcile(ctx, s, code)
		if err != nil || report == nil {
			return err
		}
		if err := s.OverwriteSummary(ctx, codeID, report.Actual); err != nil {
			return err
		}
		repaired = report
		return nil
	})
	return repaired, err
}

func reconcile(ctx context.Context, s Store, code InvitationCode) (*DriftReport, error) {
	agg, err := s.AggregateEvents(ctx, code.ID)
	if err != nil {
		return nil, err
	}
	if agg.Matches(code.Summary()) {
		return nil, nil
	}
	return &DriftReport{
		CodeID: code.ID,
		Code:   code.Code,
		Cached: code.Summary(),
		Actual: agg,
	}, nil
}
