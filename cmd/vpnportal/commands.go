package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/creamcroissant/vpnportal/internal/auth/token"
	"github.com/creamcroissant/vpnportal/internal/bootstrap"
	"github.com/creamcroissant/vpnportal/internal/ca"
	"github.com/creamcroissant/vpnportal/internal/config"
	"github.com/creamcroissant/vpnportal/internal/connection"
	"github.com/creamcroissant/vpnportal/internal/job"
	"github.com/creamcroissant/vpnportal/internal/migrations"
	"github.com/creamcroissant/vpnportal/internal/nodeclient"
	"github.com/creamcroissant/vpnportal/internal/repository/sqlite"
	"github.com/creamcroissant/vpnportal/internal/support/logging"
)

func init() {
	var migrateRollback bool
	var migrateStatus bool
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration management",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := bootstrap.OpenSQLite(cfg.DB.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			if migrateStatus {
				return migrations.Status(db)
			}
			if migrateRollback {
				return migrations.Down(db)
			}
			return migrations.Up(db)
		},
	}
	migrateCmd.Flags().BoolVar(&migrateRollback, "rollback", false, "roll back the last migration")
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "print migration status")
	rootCmd.AddCommand(migrateCmd)

	housekeepCmd := &cobra.Command{
		Use:   "housekeep",
		Short: "Run the housekeeping jobs once and exit",
		RunE:  runHousekeep,
	}
	rootCmd.AddCommand(housekeepCmd)

	var tokenTTL time.Duration
	tokenCmd := &cobra.Command{
		Use:   "issue-token [subject]",
		Short: "Issue an ops API bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Auth.SigningKey == "" {
				return fmt.Errorf("auth.signing_key is required")
			}
			tokens, err := token.NewManager(token.Options{
				SigningKey: []byte(cfg.Auth.SigningKey),
				Issuer:     cfg.Auth.Issuer,
				TTL:        cfg.Auth.TokenTTL,
			})
			if err != nil {
				return err
			}
			signed, claims, err := tokens.Issue(args[0], "operator", tokenTTL)
			if err != nil {
				return err
			}
			fmt.Println(signed)
			fmt.Printf("expires: %s\n", claims.ExpiresAt.Time.Format(time.RFC3339))
			return nil
		},
	}
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default from config)")
	rootCmd.AddCommand(tokenCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vpnportal %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)
}

// runHousekeep performs one pass of every housekeeping job, for deployments
// that prefer an external cron over the built-in scheduler.
func runHousekeep(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(logging.Options{Level: cfg.Log.SlogLevel(), Format: cfg.Log.Format})

	db, err := bootstrap.OpenSQLite(cfg.DB.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := migrations.Up(db); err != nil {
		return err
	}

	store := sqlite.NewStore(db, cfg.Portal.Number)
	profiles, err := config.LoadProfiles(cfg.Portal.ProfilesPath)
	if err != nil {
		return err
	}
	authority, err := ca.NewFileCA(cfg.CA.Dir, cfg.CA.Name)
	if err != nil {
		return err
	}

	hooks := connection.NewMulti(logger, connection.NewLogHook(logger), connection.NewConnectionLogHook(store))
	nodeClient := nodeclient.NewClient(cfg.Node.Timeout, cfg.Node.AuthToken, logger)
	manager := connection.NewManager(store, profiles, nodeClient, authority, hooks, logger)

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
	defer cancel()

	runnables := []job.Runnable{
		job.NewExpiryCleanupJob(manager, logger),
		job.NewPeerSyncJob(manager, logger),
		job.NewLiveStatsJob(store, profiles, logger),
		job.NewStatsRollupJob(store, profiles, logger),
		job.NewLogRetentionJob(store, cfg.Housekeeping.LogRetention, cfg.Housekeeping.LiveRetention, cfg.Housekeeping.StaleOpenRetention, logger),
	}
	for _, runnable := range runnables {
		if err := runnable.Run(ctx); err != nil {
			logger.Error("housekeeping job failed", slog.String("job", runnable.Name()), slog.String("error", err.Error()))
		}
	}
	return nil
}
