package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/creamcroissant/vpnportal/internal/connection"
)

// PeerSyncJob re-pushes WireGuard peers the store knows about but a node
// does not, healing sessions lost to node restarts or to a failed push
// during connect. A sync attempt that fails is retried with exponential
// backoff before the job gives up until its next scheduled run.
type PeerSyncJob struct {
	Manager    *connection.Manager
	Logger     *slog.Logger
	MaxRetries uint64
}

func NewPeerSyncJob(manager *connection.Manager, logger *slog.Logger) *PeerSyncJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &PeerSyncJob{Manager: manager, Logger: logger, MaxRetries: 3}
}

// Name implements Runnable.
func (j *PeerSyncJob) Name() string {
	return "session.peer_sync"
}

// Run implements Runnable.
func (j *PeerSyncJob) Run(ctx context.Context) error {
	if j == nil || j.Manager == nil {
		return fmt.Errorf("peer sync job dependencies not configured")
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 0

	pushed := 0
	operation := func() error {
		n, err := j.Manager.SyncNodePeers(ctx)
		pushed += n
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, j.MaxRetries), ctx))
	if pushed > 0 {
		j.Logger.Info("re-registered peers on nodes", "count", pushed)
	}
	if err != nil {
		return fmt.Errorf("peer sync job: %w", err)
	}
	return nil
}
