package migration

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/referral-ledger/referral"
	"github.com/warp/referral-ledger/store/sqlite"
)

// legacyRow is one row of the single-use invitation table plus the values
// derived from it.
type legacyRow struct {
	ID            int64
	Code          string
	InviterID     int64
	InviteeID     *int64
	Status        int64
	RewardPoints  int64
	RewardGranted bool
	UsedAt        *time.Time
	CreatedAt     time.Time

	UseCount     int64
	TotalRewards int64
}

func (r *legacyRow) derive() {
	if r.Status == legacyStatusUsed {
		r.UseCount = 1
	}
	if r.RewardGranted {
		r.TotalRewards = r.RewardPoints
	}
}

func (r *legacyRow) active() bool {
	return r.Status != legacyStatusDisabled
}

func backupLegacy(ctx context.Context, tx *sql.Tx, backup string) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		"CREATE TABLE %s AS SELECT * FROM %s", backup, sqlite.CodeTable))
	if err != nil {
		return fmt.Errorf("backup into %s: %w", backup, err)
	}
	return nil
}

func createTables(ctx context.Context, tx *sql.Tx) error {
	exists, err := sqlite.TableExists(ctx, tx, sqlite.EventTable)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%s already exists alongside the legacy table", sqlite.EventTable)
	}
	for _, ddl := range []string{sqlite.CodeTableDDL(nextTable), sqlite.EventTableDDL} {
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return nil
}

func transform(ctx context.Context, tx *sql.Tx) ([]legacyRow, error) {
	rows, err := loadLegacy(ctx, tx)
	if err != nil {
		return nil, err
	}

	insert := fmt.Sprintf(`
		INSERT INTO %s
		(id, owner_id, code, reward_points, use_count, total_rewards, is_active, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, nextTable)
	for i := range rows {
		r := &rows[i]
		r.derive()

		var lastUsedAt sql.NullString
		if r.UsedAt != nil {
			lastUsedAt = sql.NullString{String: sqlite.FormatTime(*r.UsedAt), Valid: true}
		}
		_, err := tx.ExecContext(ctx, insert,
			r.ID, r.InviterID, r.Code, r.RewardPoints, r.UseCount, r.TotalRewards,
			r.active(), sqlite.FormatTime(r.CreatedAt), lastUsedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("legacy row %d: %w", r.ID, err)
		}
	}
	return rows, nil
}

func loadLegacy(ctx context.Context, tx *sql.Tx) ([]legacyRow, error) {
	rs, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, code, inviter_id, invitee_id, status, reward_points, reward_granted, used_at, created_at
		FROM %s
		ORDER BY id ASC
	`, sqlite.CodeTable))
	if err != nil {
		return nil, fmt.Errorf("read legacy table: %w", err)
	}
	defer rs.Close()

	var rows []legacyRow
	for rs.Next() {
		var (
			r             legacyRow
			inviteeID     sql.NullInt64
			status        sql.NullInt64
			rewardPoints  sql.NullInt64
			rewardGranted sql.NullInt64
			usedAt        sql.NullString
			createdAt     sql.NullString
		)
		if err := rs.Scan(&r.ID, &r.Code, &r.InviterID, &inviteeID, &status,
			&rewardPoints, &rewardGranted, &usedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan legacy row: %w", err)
		}

		if inviteeID.Valid && inviteeID.Int64 > 0 {
			id := inviteeID.Int64
			r.InviteeID = &id
		}
		r.Status = status.Int64
		r.RewardPoints = rewardPoints.Int64
		r.RewardGranted = rewardGranted.Valid && rewardGranted.Int64 != 0

		if r.UsedAt, err = sqlite.ParseTime(usedAt.String); err != nil {
			return nil, fmt.Errorf("legacy row %d used_at: %w", r.ID, err)
		}
		created, err := sqlite.ParseTime(createdAt.String)
		if err != nil {
			return nil, fmt.Errorf("legacy row %d created_at: %w", r.ID, err)
		}
		if created == nil {
			return nil, fmt.Errorf("legacy row %d has no created_at", r.ID)
		}
		r.CreatedAt = *created
		rows = append(rows, r)
	}
	return rows, rs.Err()
}

func swap(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		fmt.Sprintf("DROP TABLE %s", sqlite.CodeTable),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", nextTable, sqlite.CodeTable),
		sqlite.IndexAndTriggerDDL,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("swap tables: %w", err)
		}
	}
	return nil
}

func synthesizeEvents(ctx context.Context, tx *sql.Tx, rows []legacyRow, report *Report) error {
	for _, r := range rows {
		if r.UseCount != 1 {
			if r.TotalRewards != 0 {
				report.GrantedUnused = append(report.GrantedUnused, referral.CodeID(r.ID))
			}
			continue
		}
		if r.InviteeID == nil {
			report.Unattributed = append(report.Unattributed, referral.CodeID(r.ID))
			continue
		}

		usedAt := r.CreatedAt
		if r.UsedAt != nil {
			usedAt = *r.UsedAt
		} else {
			report.ApproximateTimes = append(report.ApproximateTimes, referral.CodeID(r.ID))
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO redemption_event (code_id, invitee_id, points_awarded, used_at)
			VALUES (?, ?, ?, ?)
		`, r.ID, *r.InviteeID, r.TotalRewards, sqlite.FormatTime(usedAt))
		if err != nil {
			return fmt.Errorf("event for legacy row %d: %w", r.ID, err)
		}
		report.EventsSynthesized++
	}
	return nil
}
