package job

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creamcroissant/vpnportal/internal/bootstrap"
	"github.com/creamcroissant/vpnportal/internal/config"
	"github.com/creamcroissant/vpnportal/internal/migrations"
	"github.com/creamcroissant/vpnportal/internal/repository"
	"github.com/creamcroissant/vpnportal/internal/repository/sqlite"
)

const jobProfilesYAML = `
nodes:
  - url: http://127.0.0.1:1
    hostname: vpn.example.org
    wireguard_public_key: c2VydmVyLWtleQ==
    wireguard_port: 51820
profiles:
  - profile_id: office
    display_name: Office
    wireguard: true
    node_urls: [http://127.0.0.1:1]
    range: 10.10.0.0/28
    range6: fd00:1234::/64
`

func newJobStore(t *testing.T) repository.Store {
	t.Helper()
	db, err := bootstrap.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrations.Up(db))
	store := sqlite.NewStore(db, 1)
	require.NoError(t, store.Users().Upsert(context.Background(), &repository.User{UserID: "alice", LastSeen: time.Now().Unix()}))
	return store
}

func jobProfiles(t *testing.T) *config.Profiles {
	t.Helper()
	profiles, err := config.ParseProfiles([]byte(jobProfilesYAML))
	require.NoError(t, err)
	return profiles
}

func openLogRow(t *testing.T, store repository.Store, connectionID string, connectedAt int64) {
	t.Helper()
	require.NoError(t, store.ConnectionLog().Connect(context.Background(), &repository.ConnectionLogEntry{
		PortalNumber: 1,
		UserID:       "alice",
		ProfileID:    "office",
		VPNProto:     "wireguard",
		ConnectionID: connectionID,
		IPFour:       "10.10.0.2",
		IPSix:        "fd00:1234::2",
		ConnectedAt:  connectedAt,
	}))
}

func TestLiveStatsJob(t *testing.T) {
	ctx := context.Background()
	store := newJobStore(t)
	now := time.Now()
	openLogRow(t, store, "pk1", now.Unix())

	jobRun := NewLiveStatsJob(store, jobProfiles(t), slog.New(slog.DiscardHandler))
	require.NoError(t, jobRun.Run(ctx))

	peak, err := store.Stats().MaxLiveBetween(ctx, "office", now.Unix()-60, now.Unix()+60)
	require.NoError(t, err)
	assert.Equal(t, int64(1), peak)
}

func TestStatsRollupJob(t *testing.T) {
	ctx := context.Background()
	store := newJobStore(t)

	yesterdayNoon := time.Now().UTC().Truncate(24 * time.Hour).Add(-12 * time.Hour)
	require.NoError(t, store.Stats().AddLive(ctx, &repository.LiveStatsRecord{
		PortalNumber:    1,
		ProfileID:       "office",
		ConnectionCount: 7,
		CreatedAt:       yesterdayNoon.Unix(),
	}))
	openLogRow(t, store, "pk1", yesterdayNoon.Unix())

	jobRun := NewStatsRollupJob(store, jobProfiles(t), slog.New(slog.DiscardHandler))
	require.NoError(t, jobRun.Run(ctx))

	rows, err := store.Stats().ListAggregate(ctx, "office", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(7), rows[0].MaxConnectionCount)
	assert.Equal(t, int64(1), rows[0].UniqueUserCount)

	// Re-running the rollup updates in place instead of duplicating.
	require.NoError(t, jobRun.Run(ctx))
	rows, err = store.Stats().ListAggregate(ctx, "office", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestLogRetentionJob(t *testing.T) {
	ctx := context.Background()
	store := newJobStore(t)

	old := time.Now().Add(-60 * 24 * time.Hour).Unix()
	openLogRow(t, store, "old-pk", old)
	require.NoError(t, store.ConnectionLog().Disconnect(ctx, "alice", "office", "old-pk", 1, 2, old+3600))
	openLogRow(t, store, "live-pk", time.Now().Unix())

	// An OpenVPN row whose disconnect callback never arrived. Once it is
	// older than the stale-open window it must be reclaimed too.
	require.NoError(t, store.ConnectionLog().Connect(ctx, &repository.ConnectionLogEntry{
		PortalNumber: 1,
		UserID:       "alice",
		ProfileID:    "office",
		VPNProto:     "openvpn",
		ConnectionID: "abandoned-cn",
		IPFour:       "10.10.0.3",
		IPSix:        "fd00:1234::3",
		ConnectedAt:  time.Now().Add(-120 * 24 * time.Hour).Unix(),
	}))

	jobRun := NewLogRetentionJob(store, 30*24*time.Hour, 7*24*time.Hour, 90*24*time.Hour, slog.New(slog.DiscardHandler))
	require.NoError(t, jobRun.Run(ctx))

	open, err := store.ConnectionLog().ListOpen(ctx, "office")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "live-pk", open[0].ConnectionID)

	counts, err := store.ConnectionLog().CountOpenByProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["office"])
}
