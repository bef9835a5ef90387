/*
store.go - Persistence interface for invitation codes and redemption events

PURPOSE:
  Defines the interface between the ledger logic and the database.
  The ledger package exclusively owns both tables; nothing else writes to
  them. Implementations: store/sqlite (production) and referral/store
  (in-memory, for tests).

APPEND-ONLY CONTRACT:
  Redemption events can only be appended:
  - AppendEvent(): the ONLY write on events
  - NO update or delete methods exist for events

SUMMARY WRITES:
  The summary columns on invitation codes are only touched by:
  - ApplyDelta(): atomic increment, used by UsageLedger.Record
  - OverwriteSummary(): explicit repair only
  SetRateForActive() is the bulk resync and never touches summaries.

ATOMICITY:
  TxStore.WithTx runs a function against a transactional view. Either all
  writes inside it commit or none do. Concurrent transactions are serialized
  by the store, not by callers.

SEE ALSO:
  - store/sqlite/sqlite.go: SQLite implementation
  - referral/store/memory.go: In-memory implementation
*/
package referral

import (
	"context"
	"time"
)

// Store handles persistence of codes and events.
type Store interface {
	// InsertCode persists a new code and returns it with its ID assigned.
	// Returns ErrDuplicateCode if the token is taken.
	InsertCode(ctx context.Context, c InvitationCode) (InvitationCode, error)

	// GetCode returns a code by ID, or a NotFoundError.
	GetCode(ctx context.Context, id CodeID) (InvitationCode, error)

	// GetCodeByToken returns a code by its token, or a NotFoundError.
	GetCodeByToken(ctx context.Context, code string) (InvitationCode, error)

	// ListCodesByOwner returns an owner's codes ordered by creation.
	ListCodesByOwner(ctx context.Context, ownerID UserID) ([]InvitationCode, error)

	// ListCodes returns all codes ordered by ID.
	ListCodes(ctx context.Context) ([]InvitationCode, error)

	// SetActive sets the active flag. Returns NotFoundError for unknown IDs.
	SetActive(ctx context.Context, id CodeID, active bool) error

	// ApplyDelta atomically increments use_count and total_rewards and, when
	// useDelta > 0, sets last_used_at. Returns NotFoundError for unknown IDs.
	ApplyDelta(ctx context.Context, id CodeID, useDelta, rewardDelta int64, at time.Time) error

	// SetRateForActive sets reward_points on every active code in a single
	// statement and returns the number of codes touched.
	SetRateForActive(ctx context.Context, rate int64) (int64, error)

	// OverwriteSummary replaces the derived fields with the given aggregate.
	OverwriteSummary(ctx context.Context, id CodeID, agg Aggregate) error

	// AppendEvent persists an event and returns it with its ID assigned.
	AppendEvent(ctx context.Context, ev RedemptionEvent) (RedemptionEvent, error)

	// ListEvents returns a code's events, newest first.
	ListEvents(ctx context.Context, codeID CodeID) ([]RedemptionEvent, error)

	// AggregateEvents computes count, sum and time bounds from the log.
	AggregateEvents(ctx context.Context, codeID CodeID) (Aggregate, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
