package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/referral-ledger/migration"
	"github.com/warp/referral-ledger/referral"
	"github.com/warp/referral-ledger/store/sqlite"
)

var errNeedsMigration = errors.New("database holds the legacy invitation table; run `referral migrate` first")

func getMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "convert a legacy invitation table into the referral ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			wait, err := cmd.Flags().GetDuration(waitFlag)
			if err != nil {
				return err
			}
			// Another process migrating holds the write lock for the whole
			// run; wait it out so this call ends as a no-op.
			return a.withStore(func(store *sqlite.Store) error {
				engine := migration.New(store.DB(), migration.WithLogger(a.logger.Named("migration")))
				report, err := engine.MigrateIfNeeded(cmd.Context())
				if err != nil {
					return err
				}
				printMigrationReport(cmd.OutOrStdout(), report)
				return nil
			}, sqlite.WithBusyTimeout(wait))
		},
	}
	cmd.Flags().Duration(waitFlag, 10*time.Minute, "how long to wait for a migration running in another process")
	return cmd
}

func getStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print the migration state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(func(store *sqlite.Store) error {
				state, err := migration.New(store.DB()).State(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), state)
				return nil
			})
		},
	}
}

func getResyncCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resync",
		Short: "set reward_points on every active code",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rate, err := cmd.Flags().GetInt64(rateFlag)
			if err != nil {
				return err
			}
			return a.withLedger(cmd.Context(), func(store *sqlite.Store) error {
				n, err := referral.NewAccountant(store).ResyncRewardRate(cmd.Context(), rate)
				if err != nil {
					return err
				}
				a.logger.Info("reward rate resynced", zap.Int64("reward_points", rate), zap.Int64("codes_updated", n))
				fmt.Fprintf(cmd.OutOrStdout(), "updated %d active codes to %d points\n", n, rate)
				return nil
			})
		},
	}
	cmd.Flags().Int64(rateFlag, 0, "new reward points for active codes")
	_ = cmd.MarkFlagRequired(rateFlag)
	return cmd
}

func getReconcileCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "compare every code's summary with its event log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			repair, err := cmd.Flags().GetBool(repairFlag)
			if err != nil {
				return err
			}
			return a.withLedger(cmd.Context(), func(store *sqlite.Store) error {
				return reconcileAll(cmd.Context(), cmd.OutOrStdout(), referral.NewAccountant(store), repair)
			})
		},
	}
	cmd.Flags().Bool(repairFlag, false, "overwrite drifted summaries with values from the event log")
	return cmd
}

func reconcileAll(ctx context.Context, out io.Writer, accountant *referral.Accountant, repair bool) error {
	reports, err := accountant.ReconcileAll(ctx)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		fmt.Fprintln(out, "all codes consistent")
		return nil
	}

	for _, r := range reports {
		fmt.Fprintf(out, "code %d (%s): cached use_count=%d total_rewards=%d, log count=%d sum=%d\n",
			r.CodeID, r.Code, r.Cached.UseCount, r.Cached.TotalRewards, r.Actual.Count, r.Actual.Sum)
		if !repair {
			continue
		}
		if _, err := accountant.Repair(ctx, r.CodeID); err != nil {
			return fmt.Errorf("repair code %d: %w", r.CodeID, err)
		}
		fmt.Fprintf(out, "  repaired\n")
	}
	if !repair {
		return fmt.Errorf("%d codes drifted: %w", len(reports), referral.ErrConsistency)
	}
	return nil
}

func printMigrationReport(out io.Writer, r migration.Report) {
	if !r.Performed {
		fmt.Fprintln(out, "already migrated, nothing to do")
		return
	}
	fmt.Fprintf(out, "migrated %d codes, synthesized %d events\n", r.CodesMigrated, r.EventsSynthesized)
	fmt.Fprintf(out, "backup table: %s\n", r.BackupTable)
	if len(r.ApproximateTimes) > 0 {
		fmt.Fprintf(out, "events timed from created_at: %v\n", r.ApproximateTimes)
	}
	if len(r.Unattributed) > 0 {
		fmt.Fprintf(out, "consumed codes without invitee (will not reconcile): %v\n", r.Unattributed)
	}
	if len(r.GrantedUnused) > 0 {
		fmt.Fprintf(out, "rewarded codes never used (will not reconcile): %v\n", r.GrantedUnused)
	}
}

func (a *app) withStore(fn func(*sqlite.Store) error, opts ...sqlite.Option) error {
	store, err := a.openStore(opts...)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

// withLedger refuses to touch a database that has not been migrated.
func (a *app) withLedger(ctx context.Context, fn func(*sqlite.Store) error) error {
	return a.withStore(func(store *sqlite.Store) error {
		legacy, err := store.Legacy(ctx)
		if err != nil {
			return err
		}
		if legacy {
			return errNeedsMigration
		}
		return fn(store)
	})
}
