package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/creamcroissant/vpnportal/internal/repository"
)

// LogRetentionJob purges connection log rows and live stats samples older
// than their retention windows.
type LogRetentionJob struct {
	Store         repository.TenantStore
	LogRetention  time.Duration
	LiveRetention time.Duration
	// StaleOpenRetention reclaims rows whose disconnect callback never
	// arrived. It must exceed the longest session lifetime, or rows for
	// sessions that are still up would be purged while open.
	StaleOpenRetention time.Duration
	Logger             *slog.Logger
}

func NewLogRetentionJob(store repository.TenantStore, logRetention, liveRetention, staleOpenRetention time.Duration, logger *slog.Logger) *LogRetentionJob {
	if logger == nil {
		logger = slog.Default()
	}
	if logRetention <= 0 {
		logRetention = 30 * 24 * time.Hour
	}
	if liveRetention <= 0 {
		liveRetention = 7 * 24 * time.Hour
	}
	if staleOpenRetention <= 0 {
		staleOpenRetention = 90 * 24 * time.Hour
	}
	return &LogRetentionJob{
		Store:              store,
		LogRetention:       logRetention,
		LiveRetention:      liveRetention,
		StaleOpenRetention: staleOpenRetention,
		Logger:             logger,
	}
}

// Name implements Runnable.
func (j *LogRetentionJob) Name() string {
	return "log.retention"
}

// Run implements Runnable.
func (j *LogRetentionJob) Run(ctx context.Context) error {
	if j == nil || j.Store == nil {
		return fmt.Errorf("log retention job dependencies not configured")
	}

	now := time.Now()
	purgedLog, err := j.Store.ConnectionLog().PurgeBefore(ctx, now.Add(-j.LogRetention).Unix(), now.Add(-j.StaleOpenRetention).Unix())
	if err != nil {
		return fmt.Errorf("log retention job: purge connection log: %w", err)
	}
	purgedLive, err := j.Store.Stats().PurgeLiveBefore(ctx, now.Add(-j.LiveRetention).Unix())
	if err != nil {
		return fmt.Errorf("log retention job: purge live stats: %w", err)
	}
	if purgedLog > 0 || purgedLive > 0 {
		j.Logger.Info("purged old telemetry", "connection_log_rows", purgedLog, "live_stats_rows", purgedLive)
	}
	return nil
}
