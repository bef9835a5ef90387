/*
ledger.go - Append-only redemption log

PURPOSE:
  The UsageLedger is the single source of truth for "who redeemed which code,
  when, for how much". Every redemption appends one RedemptionEvent and, in
  the same transaction, bumps the code's cached summary via the Accountant.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: Events are never updated or deleted
  2. SNAPSHOT: PointsAwarded is the rate at redemption time
  3. ATOMIC: Event append and summary update commit together or not at all
  4. ACTIVE-ONLY: Inactive codes reject redemptions, re-checked inside the
     transaction so a concurrent deactivation cannot slip through

EXAMPLE FLOW:
  1. Code C1 created with rate 10
  2. Two redemptions: events [10, 10], use_count=2, total_rewards=20
  3. Admin resyncs rate to 15: events untouched, total_rewards still 20
  4. Third redemption: events [10, 10, 15], use_count=3, total_rewards=35

SEE ALSO:
  - accountant.go: Summary maintenance
  - store.go: AppendEvent, ListEvents, AggregateEvents
*/
package referral

import (
	"context"
	"time"
)

// UsageLedger records redemptions against invitation codes.
type UsageLedger struct {
	store      TxStore
	accountant *Accountant
	now        func() time.Time
}

type LedgerOption func(*UsageLedger)

// WithLedgerClock overrides the redemption timestamp source.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *UsageLedger) { l.now = now }
}

func NewUsageLedger(store TxStore, accountant *Accountant, opts ...LedgerOption) *UsageLedger {
	l := &UsageLedger{
		store:      store,
		accountant: accountant,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends a redemption of codeID by inviteeID worth pointsAwarded.
//
// Callers are expected to have validated the redemption already; the active
// flag is checked again inside the transaction.
func (l *UsageLedger) Record(ctx context.Context, codeID CodeID, inviteeID UserID, pointsAwarded int64) (RedemptionEvent, error) {
	if pointsAwarded < 0 {
		return RedemptionEvent{}, &ValidationError{Field: "points_awarded", Reason: "must not be negative"}
	}
	return l.record(ctx, codeID, inviteeID, func(InvitationCode) int64 { return pointsAwarded })
}

// RecordAtCurrentRate appends a redemption worth the code's current
// reward_points, read inside the same transaction as the append.
func (l *UsageLedger) RecordAtCurrentRate(ctx context.Context, codeID CodeID, inviteeID UserID) (RedemptionEvent, error) {
	return l.record(ctx, codeID, inviteeID, func(c InvitationCode) int64 { return c.RewardPoints })
}

func (l *UsageLedger) record(ctx context.Context, codeID CodeID, inviteeID UserID, points func(InvitationCode) int64) (RedemptionEvent, error) {
	if inviteeID <= 0 {
		return RedemptionEvent{}, &ValidationError{Field: "invitee_id", Reason: "must be positive"}
	}

	var recorded RedemptionEvent
	err := l.store.WithTx(ctx, func(s Store) error {
		code, err := s.GetCode(ctx, codeID)
		if err != nil {
			return err
		}
		if !code.IsActive {
			return &InactiveCodeError{CodeID: code.ID, Code: code.Code}
		}

		ev, err := s.AppendEvent(ctx, RedemptionEvent{
			CodeID:        code.ID,
			InviteeID:     inviteeID,
			PointsAwarded: points(code),
			UsedAt:        l.now().UTC(),
		})
		if err != nil {
			return err
		}
		if err := l.accountant.applyDelta(ctx, s, code.ID, 1, ev.PointsAwarded, ev.UsedAt); err != nil {
			return err
		}
		recorded = ev
		return nil
	})
	if err != nil {
		return RedemptionEvent{}, err
	}
	return recorded, nil
}

// ListByCode returns a code's redemptions, newest first.
func (l *UsageLedger) ListByCode(ctx context.Context, codeID CodeID) ([]RedemptionEvent, error) {
	return l.store.ListEvents(ctx, codeID)
}

// Aggregate recomputes count, sum and time bounds from the log alone,
// ignoring the code's cached summary.
func (l *UsageLedger) Aggregate(ctx context.Context, codeID CodeID) (Aggregate, error) {
	return l.store.AggregateEvents(ctx, codeID)
}
