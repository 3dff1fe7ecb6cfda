package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/creamcroissant/vpnportal/internal/config"
	"github.com/creamcroissant/vpnportal/internal/repository"
)

// LiveStatsJob samples the number of open connections per profile into the
// live_stats table. The daily rollup derives its peaks from these samples.
type LiveStatsJob struct {
	Store    repository.TenantStore
	Profiles *config.Profiles
	Logger   *slog.Logger
}

func NewLiveStatsJob(store repository.TenantStore, profiles *config.Profiles, logger *slog.Logger) *LiveStatsJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveStatsJob{Store: store, Profiles: profiles, Logger: logger}
}

// Name implements Runnable.
func (j *LiveStatsJob) Name() string {
	return "stats.live_sample"
}

// Run implements Runnable.
func (j *LiveStatsJob) Run(ctx context.Context) error {
	if j == nil || j.Store == nil || j.Profiles == nil {
		return fmt.Errorf("live stats job dependencies not configured")
	}

	open, err := j.Store.ConnectionLog().CountOpenByProfile(ctx)
	if err != nil {
		return fmt.Errorf("live stats job: %w", err)
	}
	now := time.Now().Unix()
	for _, profile := range j.Profiles.All() {
		record := &repository.LiveStatsRecord{
			PortalNumber:    j.Store.PortalNumber(),
			ProfileID:       profile.ProfileID,
			ConnectionCount: open[profile.ProfileID],
			CreatedAt:       now,
		}
		if err := j.Store.Stats().AddLive(ctx, record); err != nil {
			return fmt.Errorf("live stats job: %w", err)
		}
	}
	return nil
}

// StatsRollupJob folds yesterday's live samples into one aggregate row per
// profile: the connection peak and the number of distinct users seen.
type StatsRollupJob struct {
	Store    repository.TenantStore
	Profiles *config.Profiles
	Logger   *slog.Logger
}

func NewStatsRollupJob(store repository.TenantStore, profiles *config.Profiles, logger *slog.Logger) *StatsRollupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatsRollupJob{Store: store, Profiles: profiles, Logger: logger}
}

// Name implements Runnable.
func (j *StatsRollupJob) Name() string {
	return "stats.daily_rollup"
}

// Run implements Runnable.
func (j *StatsRollupJob) Run(ctx context.Context) error {
	if j == nil || j.Store == nil || j.Profiles == nil {
		return fmt.Errorf("stats rollup job dependencies not configured")
	}

	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	dayEnd := dayStart.AddDate(0, 0, 1)
	date := dayStart.Format("2006-01-02")

	for _, profile := range j.Profiles.All() {
		peak, err := j.Store.Stats().MaxLiveBetween(ctx, profile.ProfileID, dayStart.Unix(), dayEnd.Unix())
		if err != nil {
			return fmt.Errorf("stats rollup job: %w", err)
		}
		uniqueUsers, err := j.Store.ConnectionLog().UniqueUserCount(ctx, profile.ProfileID, dayStart.Unix(), dayEnd.Unix())
		if err != nil {
			return fmt.Errorf("stats rollup job: %w", err)
		}
		record := &repository.AggregateStatsRecord{
			PortalNumber:       j.Store.PortalNumber(),
			Date:               date,
			ProfileID:          profile.ProfileID,
			MaxConnectionCount: peak,
			UniqueUserCount:    uniqueUsers,
		}
		if err := j.Store.Stats().UpsertAggregate(ctx, record); err != nil {
			return fmt.Errorf("stats rollup job: %w", err)
		}
	}
	j.Logger.Debug("stats rollup complete", "date", date)
	return nil
}
