package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/referral-ledger/referral"
	"github.com/warp/referral-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedCode(t *testing.T, store *sqlite.Store, token string) referral.InvitationCode {
	code, err := store.InsertCode(context.Background(), referral.InvitationCode{
		OwnerID:      1,
		Code:         token,
		RewardPoints: 10,
		IsActive:     true,
		CreatedAt:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return code
}

func seedEvent(t *testing.T, store *sqlite.Store, codeID referral.CodeID) referral.RedemptionEvent {
	ev, err := store.AppendEvent(context.Background(), referral.RedemptionEvent{
		CodeID:        codeID,
		InviteeID:     42,
		PointsAwarded: 10,
		UsedAt:        time.Date(2025, 2, 1, 9, 30, 0, 123456789, time.UTC),
	})
	require.NoError(t, err)
	return ev
}

// =============================================================================
// APPEND-ONLY INVARIANT TESTS
// =============================================================================

func TestStore_RedemptionEventsCannotBeUpdated(t *testing.T) {
	store := newTestStore(t)
	code := seedCode(t, store, "ABCD2345")
	ev := seedEvent(t, store, code.ID)

	_, err := store.DB().Exec("UPDATE redemption_event SET points_awarded = 999 WHERE id = ?", ev.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	events, err := store.ListEvents(context.Background(), code.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(10), events[0].PointsAwarded)
}

func TestStore_RedemptionEventsCannotBeDeleted(t *testing.T) {
	store := newTestStore(t)
	code := seedCode(t, store, "ABCD2345")
	seedEvent(t, store, code.ID)

	_, err := store.DB().Exec("DELETE FROM redemption_event")
	require.Error(t, err)

	agg, err := store.AggregateEvents(context.Background(), code.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.Count)
}

func TestStore_CodeWithHistoryCannotBeDeleted(t *testing.T) {
	store := newTestStore(t)
	code := seedCode(t, store, "ABCD2345")
	seedEvent(t, store, code.ID)

	_, err := store.DB().Exec("DELETE FROM invitation_code WHERE id = ?", code.ID)
	require.Error(t, err)
}

func TestStore_AppendEvent_UnknownCode(t *testing.T) {
	store := newTestStore(t)

	_, err := store.AppendEvent(context.Background(), referral.RedemptionEvent{
		CodeID: 77, InviteeID: 1, PointsAwarded: 1, UsedAt: time.Now(),
	})
	assert.True(t, referral.IsNotFound(err))
}

// =============================================================================
// CODES
// =============================================================================

func TestStore_InsertCode_DuplicateTokenIgnoresCase(t *testing.T) {
	store := newTestStore(t)
	seedCode(t, store, "ABCD2345")

	_, err := store.InsertCode(context.Background(), referral.InvitationCode{
		OwnerID: 2, Code: "abcd2345", IsActive: true, CreatedAt: time.Now(),
	})
	assert.ErrorIs(t, err, referral.ErrDuplicateCode)
}

func TestStore_EventRoundTripKeepsNanoseconds(t *testing.T) {
	store := newTestStore(t)
	code := seedCode(t, store, "ABCD2345")
	ev := seedEvent(t, store, code.ID)

	events, err := store.ListEvents(context.Background(), code.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ev.ID, events[0].ID)
	assert.True(t, events[0].UsedAt.Equal(ev.UsedAt))
}

func TestStore_WithTx_RollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	code := seedCode(t, store, "ABCD2345")
	ctx := context.Background()

	err := store.WithTx(ctx, func(s referral.Store) error {
		if _, err := s.AppendEvent(ctx, referral.RedemptionEvent{
			CodeID: code.ID, InviteeID: 5, PointsAwarded: 10, UsedAt: time.Now(),
		}); err != nil {
			return err
		}
		if err := s.ApplyDelta(ctx, code.ID, 1, 10, time.Now()); err != nil {
			return err
		}
		return s.ApplyDelta(ctx, 9999, 1, 10, time.Now())
	})
	require.Error(t, err)
	assert.True(t, referral.IsNotFound(err))

	got, err := store.GetCode(ctx, code.ID)
	require.NoError(t, err)
	assert.Zero(t, got.UseCount)
	events, err := store.ListEvents(ctx, code.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

// =============================================================================
// SCHEMA
// =============================================================================

func TestStore_ReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "referral.db")

	first, err := sqlite.New(path)
	require.NoError(t, err)
	code := seedCode(t, first, "ABCD2345")
	require.NoError(t, first.Close())

	second, err := sqlite.New(path)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.GetCode(context.Background(), code.ID)
	require.NoError(t, err)
	assert.Equal(t, "ABCD2345", got.Code)
}

func TestStore_LeavesLegacySchemaAlone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")

	// GIVEN: A database holding only the legacy invitation table
	seed, err := sqlite.New(path)
	require.NoError(t, err)
	_, err = seed.DB().Exec(`
		DROP TABLE redemption_event;
		DROP TABLE invitation_code;
		CREATE TABLE invitation_code (
			id INTEGER PRIMARY KEY, code TEXT, inviter_id INTEGER, invitee_id INTEGER,
			status INTEGER, reward_points INTEGER, reward_granted INTEGER,
			used_at DATETIME, created_at DATETIME
		);`)
	require.NoError(t, err)
	require.NoError(t, seed.Close())

	// WHEN: Opening it
	store, err := sqlite.New(path)
	require.NoError(t, err)
	defer store.Close()

	// THEN: Nothing was created
	legacy, err := store.Legacy(context.Background())
	require.NoError(t, err)
	assert.True(t, legacy)

	exists, err := sqlite.TableExists(context.Background(), store.DB(), sqlite.EventTable)
	require.NoError(t, err)
	assert.False(t, exists)
}

// =============================================================================
// LOCKING
// =============================================================================

func TestStore_BusyTimeoutOption(t *testing.T) {
	store, err := sqlite.New(":memory:", sqlite.WithBusyTimeout(250*time.Millisecond))
	require.NoError(t, err)
	defer store.Close()

	var ms int64
	require.NoError(t, store.DB().QueryRow("PRAGMA busy_timeout").Scan(&ms))
	assert.Equal(t, int64(250), ms)

	def := newTestStore(t)
	require.NoError(t, def.DB().QueryRow("PRAGMA busy_timeout").Scan(&ms))
	assert.Equal(t, sqlite.DefaultBusyTimeout.Milliseconds(), ms)
}

func TestStore_WriterWaitsForLockHeldElsewhere(t *testing.T) {
	path := filepath.Join(t.TempDir(), "referral.db")
	ctx := context.Background()

	// GIVEN: Three handles on one file, as if from separate processes
	holder, err := sqlite.New(path)
	require.NoError(t, err)
	defer holder.Close()
	patient, err := sqlite.New(path, sqlite.WithBusyTimeout(10*time.Second))
	require.NoError(t, err)
	defer patient.Close()
	hasty, err := sqlite.New(path, sqlite.WithBusyTimeout(20*time.Millisecond))
	require.NoError(t, err)
	defer hasty.Close()

	// AND: The first one holds the write lock
	locked := make(chan struct{})
	release := make(chan struct{})
	held := make(chan error, 1)
	go func() {
		held <- holder.WithTx(ctx, func(referral.Store) error {
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	// WHEN: The others try to write
	_, err = hasty.InsertCode(ctx, referral.InvitationCode{OwnerID: 1, Code: "HASTY234", IsActive: true, CreatedAt: time.Now()})

	// THEN: A short timeout gives up
	assert.Error(t, err)

	// AND: A long one blocks until the lock is released
	done := make(chan error, 1)
	go func() {
		_, err := patient.InsertCode(ctx, referral.InvitationCode{OwnerID: 1, Code: "PATIENT2", IsActive: true, CreatedAt: time.Now()})
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)
	close(release)
	require.NoError(t, <-held)
	require.NoError(t, <-done)

	_, err = holder.GetCodeByToken(ctx, "PATIENT2")
	assert.NoError(t, err)
}

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		in    string
		want  *time.Time
		isErr bool
	}{
		{"stored layout", sqlite.FormatTime(want), &want, false},
		{"rfc3339", "2024-06-01T12:00:00+02:00", &want, false},
		{"mysql datetime", "2024-06-01 10:00:00", &want, false},
		{"empty", "", nil, false},
		{"mysql zero date", "0000-00-00 00:00:00", nil, false},
		{"garbage", "yesterday", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sqlite.ParseTime(tt.in)
			if tt.isErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, tt.want.Equal(*got), "got %v", got)
		})
	}
}

func TestFormatTime_SortsChronologically(t *testing.T) {
	early := time.Date(2025, 1, 1, 0, 0, 0, 5, time.UTC)
	late := time.Date(2025, 1, 1, 0, 0, 0, 40, time.UTC)
	assert.Less(t, sqlite.FormatTime(early), sqlite.FormatTime(late))
}
