/*
main.go - Application entry point

PURPOSE:
  Command-line interface for the referral ledger: runs the admin HTTP
  server and the operator commands (migration, rate resync, audit).

COMMANDS:
  serve                 Migrate if needed, then serve the admin API
  migrate [--wait D]    Convert a legacy invitation table
  status                Print the migration state
  resync --rate N       Set reward_points on every active code
  reconcile [--repair]  Audit every code; optionally repair drift

CONFIGURATION:
  --config points at a YAML file. Without it, ./config/config.yaml and
  ./config.yaml are tried. REFERRAL_* environment variables override both,
  e.g. REFERRAL_DB_PATH=":memory:" or REFERRAL_SERVER_PORT=3000.

EXAMPLES:
  # Serve against a file database
  REFERRAL_DB_PATH=./data/referral.db referral serve

  # Convert a legacy database ahead of deployment
  referral migrate --config ./prod.yaml

  # Preview drift, then fix it
  referral reconcile
  referral reconcile --repair

SEE ALSO:
  - serve.go: Server startup and graceful shutdown
  - commands.go: Operator commands
  - config/config.go: Configuration keys
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/referral-ledger/config"
	"github.com/warp/referral-ledger/logger"
	"github.com/warp/referral-ledger/store/sqlite"
)

const (
	configFlag = "config"
	rateFlag   = "rate"
	repairFlag = "repair"
	waitFlag   = "wait"
)

// app carries what PersistentPreRunE loaded to the subcommands.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
}

func main() {
	a := &app{}

	rootCmd := getRootCmd(a)
	rootCmd.AddCommand(getServeCmd(a))
	rootCmd.AddCommand(getMigrateCmd(a))
	rootCmd.AddCommand(getStatusCmd(a))
	rootCmd.AddCommand(getResyncCmd(a))
	rootCmd.AddCommand(getReconcileCmd(a))

	err := rootCmd.Execute()
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	if err != nil {
		os.Exit(1)
	}
}

func getRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "referral",
		Short:        "referral code ledger",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	rootCmd.PersistentFlags().StringP(configFlag, "c", "", "configuration file path")
	return rootCmd
}

func (a *app) load(cmd *cobra.Command) error {
	path, err := cmd.Flags().GetString(configFlag)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = log
	return nil
}

func (a *app) openStore(opts ...sqlite.Option) (*sqlite.Store, error) {
	opts = append([]sqlite.Option{sqlite.WithBusyTimeout(a.cfg.Database.BusyTimeout)}, opts...)
	store, err := sqlite.New(a.cfg.Database.Path, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return store, nil
}
