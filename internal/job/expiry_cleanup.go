package job

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/creamcroissant/vpnportal/internal/connection"
)

// ExpiryCleanupJob releases sessions whose expiry has passed: the store row
// is deleted, the node is told, and disconnect hooks close the books.
type ExpiryCleanupJob struct {
	Manager *connection.Manager
	Logger  *slog.Logger
}

func NewExpiryCleanupJob(manager *connection.Manager, logger *slog.Logger) *ExpiryCleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpiryCleanupJob{Manager: manager, Logger: logger}
}

// Name implements Runnable.
func (j *ExpiryCleanupJob) Name() string {
	return "session.expiry_cleanup"
}

// Run implements Runnable.
func (j *ExpiryCleanupJob) Run(ctx context.Context) error {
	if j == nil || j.Manager == nil {
		return fmt.Errorf("expiry cleanup job dependencies not configured")
	}

	released, err := j.Manager.CleanupExpired(ctx)
	if err != nil {
		return fmt.Errorf("expiry cleanup job: %w", err)
	}
	if released > 0 {
		j.Logger.Info("released expired sessions", "count", released)
	}
	return nil
}
