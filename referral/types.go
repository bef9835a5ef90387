/*
Package referral provides the core of the referral ledger.

PURPOSE:
  Invitation codes are permanent and reusable. Every time a new user redeems
  a code, the inviter is awarded points. Each redemption is recorded as an
  immutable RedemptionEvent; the summary fields on InvitationCode (UseCount,
  TotalRewards, LastUsedAt) are derived from those events and must always be
  reconcilable from them.

KEY CONCEPTS IN THIS FILE (types.go):
  - InvitationCode: A shareable token owned by an inviter, with cached summary
  - RedemptionEvent: An immutable ledger entry recording one redemption
  - Aggregate: Summary recomputed directly from the event log
  - DriftReport: Cached summary vs. recomputed truth, when they disagree

DESIGN PRINCIPLES:
  1. Immutability: Events are never modified or deleted
  2. Snapshots: PointsAwarded is copied at redemption time, never a live rate
  3. Derivation: UseCount/TotalRewards are caches of the log, never the truth
  4. Explicit repair: Drift is reported, never corrected silently

USAGE:
  codes := referral.NewCodeRepository(store)
  ledger := referral.NewUsageLedger(store, referral.NewAccountant(store))

  code, _ := codes.Create(ctx, ownerID, 10)
  ev, _ := ledger.Record(ctx, code.ID, inviteeID, code.RewardPoints)

SEE ALSO:
  - codes.go: CodeRepository
  - ledger.go: UsageLedger
  - accountant.go: Summary maintenance, resync and reconciliation
  - store.go: Persistence interfaces
*/
package referral

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CodeID int64
type EventID int64

// UserID references a user owned by the surrounding platform.
type UserID int64

// =============================================================================
// INVITATION CODE
// =============================================================================

// InvitationCode is a permanent, reusable referral code.
//
// Only RewardPoints and IsActive are mutable by admin action. UseCount,
// TotalRewards and LastUsedAt are maintained by the Accountant and must
// always equal what the event log says.
type InvitationCode struct {
	ID           CodeID
	OwnerID      UserID
	Code         string
	RewardPoints int64
	UseCount     int64
	TotalRewards int64
	IsActive     bool
	CreatedAt    time.Time
	LastUsedAt   *time.Time
}

// Summary returns the cached summary fields.
func (c InvitationCode) Summary() Summary {
	return Summary{UseCount: c.UseCount, TotalRewards: c.TotalRewards}
}

type Summary struct {
	UseCount     int64
	TotalRewards int64
}

// =============================================================================
// REDEMPTION EVENT - Append-only ledger entry
// =============================================================================

type RedemptionEvent struct {
	ID            EventID
	CodeID        CodeID
	InviteeID     UserID
	PointsAwarded int64 // snapshot of the rate at redemption time
	UsedAt        time.Time
}

// =============================================================================
// AGGREGATE - Computed from the event log
// =============================================================================

type Aggregate struct {
	Count       int64
	Sum         int64
	FirstUsedAt *time.Time
	LastUsedAt  *time.Time
}

// Matches reports whether the cached summary agrees with the aggregate.
func (a Aggregate) Matches(s Summary) bool {
	return a.Count == s.UseCount && a.Sum == s.TotalRewards
}

// AveragePoints returns the mean points per redemption, zero when unused.
func (a Aggregate) AveragePoints() decimal.Decimal {
	if a.Count == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(a.Sum).Div(decimal.NewFromInt(a.Count))
}

// =============================================================================
// DRIFT REPORT
// =============================================================================

// DriftReport describes a code whose cached summary disagrees with its log.
type DriftReport struct {
	CodeID CodeID
	Code   string
	Cached Summary
	Actual Aggregate
}

func (r DriftReport) UseCountDelta() int64     { return r.Actual.Count - r.Cached.UseCount }
func (r DriftReport) TotalRewardsDelta() int64 { return r.Actual.Sum - r.Cached.TotalRewards }

// Err wraps the report in a ConsistencyError.
func (r DriftReport) Err() error {
	return &ConsistencyError{Report: r}
}
