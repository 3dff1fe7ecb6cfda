package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/creamcroissant/vpnportal/internal/api"
	"github.com/creamcroissant/vpnportal/internal/auth/token"
	"github.com/creamcroissant/vpnportal/internal/bootstrap"
	"github.com/creamcroissant/vpnportal/internal/ca"
	"github.com/creamcroissant/vpnportal/internal/cache"
	"github.com/creamcroissant/vpnportal/internal/config"
	"github.com/creamcroissant/vpnportal/internal/connection"
	"github.com/creamcroissant/vpnportal/internal/job"
	"github.com/creamcroissant/vpnportal/internal/migrations"
	"github.com/creamcroissant/vpnportal/internal/nodeclient"
	"github.com/creamcroissant/vpnportal/internal/repository/sqlite"
	"github.com/creamcroissant/vpnportal/internal/support/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the portal",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(logging.Options{
		Level:     cfg.Log.SlogLevel(),
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	})

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

	var registry *prometheus.Registry
	hookList := []connection.Hook{
		connection.NewLogHook(logger),
		connection.NewConnectionLogHook(store),
	}
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		hookList = append(hookList, connection.NewMetricsHook(registry))
	}
	if cfg.Hooks.ScriptPath != "" {
		hookList = append(hookList, connection.NewScriptHook(cfg.Hooks.ScriptPath, 5*time.Second))
	}
	hooks := connection.NewMulti(logger, hookList...)

	nodeClient := nodeclient.NewClient(cfg.Node.Timeout, cfg.Node.AuthToken, logger)
	manager := connection.NewManager(store, profiles, nodeClient, authority, hooks, logger)
	cacheStore := cache.NewStore(cache.Options{DefaultTTL: time.Minute, Prefix: "vpnportal"})

	scheduler := job.NewScheduler(logger)
	if _, err := scheduler.Register(cfg.Housekeeping.ExpirySchedule, job.NewExpiryCleanupJob(manager, logger)); err != nil {
		return err
	}
	if _, err := scheduler.Register(cfg.Housekeeping.PeerSyncSchedule, job.NewPeerSyncJob(manager, logger)); err != nil {
		return err
	}
	if _, err := scheduler.Register(cfg.Housekeeping.StatsSchedule, job.NewLiveStatsJob(store, profiles, logger)); err != nil {
		return err
	}
	if _, err := scheduler.Register(cfg.Housekeeping.RollupSchedule, job.NewStatsRollupJob(store, profiles, logger)); err != nil {
		return err
	}
	if _, err := scheduler.Register("@every 1h", job.NewLogRetentionJob(store, cfg.Housekeeping.LogRetention, cfg.Housekeeping.LiveRetention, cfg.Housekeeping.StaleOpenRetention, logger)); err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		<-scheduler.Stop().Done()
	}()

	router := api.NewRouter(api.RouterOptions{
		Manager:   manager,
		Store:     store,
		Profiles:  profiles,
		Cache:     cacheStore,
		Tokens:    tokens,
		Registry:  registry,
		Logger:    logger,
		RateLimit: 300,
	})
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops api listening", "addr", cfg.HTTP.Addr, "portal_number", cfg.Portal.Number, "version", Version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
