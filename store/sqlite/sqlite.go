/*
Package sqlite provides a SQLite-backed implementation of the referral store.

PURPOSE:
  Implements referral.TxStore on SQLite. The same statements work on any
  database with row-level locking; only the introspection helpers in
  schema.go are SQLite-specific.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on redemption_event exist in this package
  - Triggers abort any UPDATE or DELETE on redemption_event
  - ON DELETE RESTRICT keeps codes with history from being removed

KEY TABLES:
  invitation_code:  Codes plus cached summary (use_count, total_rewards)
  redemption_event: Immutable ledger of redemptions

CONCURRENCY:
  The connection string asks for immediate transactions, so every WithTx
  takes the database write lock up front and concurrent redemptions of the
  same code are serialized by SQLite. Summary updates are single increment
  statements, never read-modify-write. The pool holds one connection: SQLite
  has one writer anyway and ":memory:" databases are per-connection.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Better crash recovery

LEGACY DATABASES:
  If invitation_code exists without is_active, New leaves the schema alone.
  The migration package converts it; call EnsureSchema afterwards.

USAGE:
  store, err := sqlite.New("./data/referral.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := referral.NewUsageLedger(store, referral.NewAccountant(store))

SEE ALSO:
  - schema.go: DDL, introspection and time encoding
  - migration/engine.go: Legacy conversion
  - referral/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/referral-ledger/referral"
)

// Store implements referral.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB
}

var _ referral.TxStore = (*Store)(nil)

// DefaultBusyTimeout is how long a write waits for another connection's
// lock before failing with SQLITE_BUSY.
const DefaultBusyTimeout = 5 * time.Second

type options struct {
	busyTimeout time.Duration
}

// Option configures New.
type Option func(*options)

// WithBusyTimeout sets how long a transaction waits for a lock held by
// another process. The migrate command raises it so a second migrator
// blocks until the first commits and then finds nothing to do.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

// New opens the database at dbPath and creates the current schema unless the
// database still holds the legacy invitation table.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	o := options{busyTimeout: DefaultBusyTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate",
		dbPath, o.busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle to the migration engine.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EnsureSchema creates any missing tables, indexes and triggers. On a legacy
// database it does nothing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	legacy, err := IsLegacySchema(ctx, s.db)
	if err != nil {
		return err
	}
	if legacy {
		return nil
	}
	for _, ddl := range []string{
		createTableIfMissing(CodeTableDDL(CodeTable)),
		createTableIfMissing(EventTableDDL),
		IndexAndTriggerDDL,
	} {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// Legacy reports whether the database still needs the legacy migration.
func (s *Store) Legacy(ctx context.Context) (bool, error) {
	return IsLegacySchema(ctx, s.db)
}

// =============================================================================
// TRANSACTIONAL STORE (referral.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(referral.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// QUERIES - referral.Store on either the pool or a transaction
// =============================================================================

type queries struct {
	q Querier
}

const codeColumns = `id, owner_id, code, reward_points, use_count, total_rewards, is_active, created_at, last_used_at`

func (s *queries) InsertCode(ctx context.Context, c referral.InvitationCode) (referral.InvitationCode, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO invitation_code
		(owner_id, code, reward_points, use_count, total_rewards, is_active, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.OwnerID, c.Code, c.RewardPoints, c.UseCount, c.TotalRewards, c.IsActive,
		FormatTime(c.CreatedAt), nullTime(c.LastUsedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return referral.InvitationCode{}, referral.ErrDuplicateCode
		}
		return referral.InvitationCode{}, fmt.Errorf("failed to insert invitation code: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return referral.InvitationCode{}, err
	}
	c.ID = referral.CodeID(id)
	return c, nil
}

func (s *queries) GetCode(ctx context.Context, id referral.CodeID) (referral.InvitationCode, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+codeColumns+" FROM invitation_code WHERE id = ?", id)
	c, err := scanCode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return c, referral.CodeNotFound(id)
	}
	return c, err
}

func (s *queries) GetCodeByToken(ctx context.Context, code string) (referral.InvitationCode, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+codeColumns+" FROM invitation_code WHERE code = ?", code)
	c, err := scanCode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return c, &referral.NotFoundError{Kind: "code", Key: code}
	}
	return c, err
}

func (s *queries) ListCodesByOwner(ctx context.Context, ownerID referral.UserID) ([]referral.InvitationCode, error) {
	return s.queryCodes(ctx,
		"SELECT "+codeColumns+" FROM invitation_code WHERE owner_id = ? ORDER BY created_at ASC, id ASC",
		ownerID)
}

func (s *queries) ListCodes(ctx context.Context) ([]referral.InvitationCode, error) {
	return s.queryCodes(ctx, "SELECT "+codeColumns+" FROM invitation_code ORDER BY id ASC")
}

func (s *queries) SetActive(ctx context.Context, id referral.CodeID, active bool) error {
	res, err := s.q.ExecContext(ctx, "UPDATE invitation_code SET is_active = ? WHERE id = ?", active, id)
	if err != nil {
		return fmt.Errorf("failed to set active flag: %w", err)
	}
	return expectRow(res, id)
}

func (s *queries) ApplyDelta(ctx context.Context, id referral.CodeID, useDelta, rewardDelta int64, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE invitation_code
		SET use_count = use_count + ?,
		    total_rewards = total_rewards + ?,
		    last_used_at = CASE WHEN ? > 0 THEN ? ELSE last_used_at END
		WHERE id = ?
	`, useDelta, rewardDelta, useDelta, FormatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to apply summary delta: %w", err)
	}
	return expectRow(res, id)
}

func (s *queries) SetRateForActive(ctx context.Context, rate int64) (int64, error) {
	res, err := s.q.ExecContext(ctx, "UPDATE invitation_code SET reward_points = ? WHERE is_active = 1", rate)
	if err != nil {
		return 0, fmt.Errorf("failed to resync reward rate: %w", err)
	}
	return res.RowsAffected()
}

func (s *queries) OverwriteSummary(ctx context.Context, id referral.CodeID, agg referral.Aggregate) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE invitation_code
		SET use_count = ?, total_rewards = ?, last_used_at = ?
		WHERE id = ?
	`, agg.Count, agg.Sum, nullTime(agg.LastUsedAt), id)
	if err != nil {
		return fmt.Errorf("failed to overwrite summary: %w", err)
	}
	return expectRow(res, id)
}

func (s *queries) AppendEvent(ctx context.Context, ev referral.RedemptionEvent) (referral.RedemptionEvent, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO redemption_event (code_id, invitee_id, points_awarded, used_at)
		VALUES (?, ?, ?, ?)
	`, ev.CodeID, ev.InviteeID, ev.PointsAwarded, FormatTime(ev.UsedAt))
	if err != nil {
		if isForeignKeyError(err) {
			return referral.RedemptionEvent{}, referral.CodeNotFound(ev.CodeID)
		}
		return referral.RedemptionEvent{}, fmt.Errorf("failed to append redemption event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return referral.RedemptionEvent{}, err
	}
	ev.ID = referral.EventID(id)
	return ev, nil
}

func (s *queries) ListEvents(ctx context.Context, codeID referral.CodeID) ([]referral.RedemptionEvent, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, code_id, invitee_id, points_awarded, used_at
		FROM redemption_event
		WHERE code_id = ?
		ORDER BY used_at DESC, id DESC
	`, codeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query redemption events: %w", err)
	}
	defer rows.Close()

	var events []referral.RedemptionEvent
	for rows.Next() {
		var (
			ev     referral.RedemptionEvent
			usedAt string
		)
		if err := rows.Scan(&ev.ID, &ev.CodeID, &ev.InviteeID, &ev.PointsAwarded, &usedAt); err != nil {
			return nil, fmt.Errorf("failed to scan redemption event: %w", err)
		}
		t, err := ParseTime(usedAt)
		if err != nil {
			return nil, err
		}
		if t != nil {
			ev.UsedAt = *t
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *queries) AggregateEvents(ctx context.Context, codeID referral.CodeID) (referral.Aggregate, error) {
	var (
		agg         referral.Aggregate
		first, last sql.NullString
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(points_awarded), 0), MIN(used_at), MAX(used_at)
		FROM redemption_event
		WHERE code_id = ?
	`, codeID).Scan(&agg.Count, &agg.Sum, &first, &last)
	if err != nil {
		return agg, fmt.Errorf("failed to aggregate redemption events: %w", err)
	}
	if agg.FirstUsedAt, err = ParseTime(first.String); err != nil {
		return agg, err
	}
	if agg.LastUsedAt, err = ParseTime(last.String); err != nil {
		return agg, err
	}
	return agg, nil
}

func (s *queries) queryCodes(ctx context.Context, query string, args ...any) ([]referral.InvitationCode, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invitation codes: %w", err)
	}
	defer rows.Close()

	var codes []referral.InvitationCode
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, err
		}
		codes = append(codes, c)
	}
	return codes, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanCode(row scanner) (referral.InvitationCode, error) {
	var (
		c          referral.InvitationCode
		createdAt  string
		lastUsedAt sql.NullString
	)
	err := row.Scan(&c.ID, &c.OwnerID, &c.Code, &c.RewardPoints, &c.UseCount,
		&c.TotalRewards, &c.IsActive, &createdAt, &lastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, err
	}
	if err != nil {
		return c, fmt.Errorf("failed to scan invitation code: %w", err)
	}

	created, err := ParseTime(createdAt)
	if err != nil {
		return c, err
	}
	if created != nil {
		c.CreatedAt = *created
	}
	if c.LastUsedAt, err = ParseTime(lastUsedAt.String); err != nil {
		return c, err
	}
	return c, nil
}

func expectRow(res sql.Result, id referral.CodeID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return referral.CodeNotFound(id)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(*t), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func isForeignKeyError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
