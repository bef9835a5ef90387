package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// TABLES
// =============================================================================

const (
	CodeTable  = "invitation_code"
	EventTable = "redemption_event"

	// MarkerColumn exists on the current invitation_code table and not on the
	// legacy one. Its presence is how a migrated database is recognised.
	MarkerColumn = "is_active"
)

// CodeTableDDL returns the CREATE TABLE statement for the current
// invitation_code schema under the given name. The migration builds the new
// table under a temporary name and renames it into place.
func CodeTableDDL(name string) string {
	return fmt.Sprintf(`
	CREATE TABLE %s (
		id INTEGER PRIMARY KEY,
		owner_id INTEGER NOT NULL,
		code TEXT NOT NULL UNIQUE COLLATE NOCASE,
		reward_points INTEGER NOT NULL DEFAULT 0 CHECK (reward_points >= 0),
		use_count INTEGER NOT NULL DEFAULT 0 CHECK (use_count >= 0),
		total_rewards INTEGER NOT NULL DEFAULT 0 CHECK (total_rewards >= 0),
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		last_used_at TEXT
	)`, name)
}

// EventTableDDL is the append-only redemption log. Codes with events cannot
// be deleted.
const EventTableDDL = `
	CREATE TABLE redemption_event (
		id INTEGER PRIMARY KEY,
		code_id INTEGER NOT NULL REFERENCES invitation_code(id) ON DELETE RESTRICT,
		invitee_id INTEGER NOT NULL,
		points_awarded INTEGER NOT NULL CHECK (points_awarded >= 0),
		used_at TEXT NOT NULL
	)`

// IndexAndTriggerDDL must run after both tables exist under their final names.
const IndexAndTriggerDDL = `
	CREATE INDEX IF NOT EXISTS idx_invitation_code_owner
		ON invitation_code(owner_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_invitation_code_active
		ON invitation_code(is_active);

	-- History views list newest first
	CREATE INDEX IF NOT EXISTS idx_redemption_event_code_used
		ON redemption_event(code_id, used_at DESC, id DESC);

	-- Redemption events are immutable proof of a past transaction
	CREATE TRIGGER IF NOT EXISTS trg_redemption_event_no_update
		BEFORE UPDATE ON redemption_event
	BEGIN
		SELECT RAISE(ABORT, 'redemption_event is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_redemption_event_no_delete
		BEFORE DELETE ON redemption_event
	BEGIN
		SELECT RAISE(ABORT, 'redemption_event is append-only');
	END;
`

func createTableIfMissing(ddl string) string {
	return strings.Replace(ddl, "CREATE TABLE ", "CREATE TABLE IF NOT EXISTS ", 1)
}

// =============================================================================
// INTROSPECTION
// =============================================================================

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TableExists reports whether a table with the given name exists.
func TableExists(ctx context.Context, q Querier, name string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to inspect schema: %w", err)
	}
	return count > 0, nil
}

// Columns returns the column names of a table, in declaration order.
func Columns(ctx context.Context, q Querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// HasColumn reports whether table has a column named col.
func HasColumn(ctx context.Context, q Querier, table, col string) (bool, error) {
	cols, err := Columns(ctx, q, table)
	if err != nil {
		return false, err
	}
	for _, c := range cols {
		if strings.EqualFold(c, col) {
			return true, nil
		}
	}
	return false, nil
}

// IsLegacySchema reports whether invitation_code exists without the marker
// column, i.e. the database still holds the single-use invitation model.
func IsLegacySchema(ctx context.Context, q Querier) (bool, error) {
	exists, err := TableExists(ctx, q, CodeTable)
	if err != nil || !exists {
		return false, err
	}
	marked, err := HasColumn(ctx, q, CodeTable, MarkerColumn)
	if err != nil {
		return false, err
	}
	return !marked, nil
}

// =============================================================================
// TIME ENCODING
// =============================================================================

// timeLayout is fixed-width so that text order equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime encodes t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

var parseLayouts = []string{
	timeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02",
}

// ParseTime decodes a stored timestamp. It also accepts the formats found in
// legacy rows. Empty values and the MySQL zero date decode to nil.
func ParseTime(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "0000-00-00") {
		return nil, nil
	}
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			// The driver turns unparseable DATETIME values into the zero time.
			if t.IsZero() {
				return nil, nil
			}
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognised timestamp %q", s)
}
