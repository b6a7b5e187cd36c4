package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/hookgate/receiver/internal/columnstore"
	"github.com/hookgate/receiver/internal/controlplane"
	"github.com/hookgate/receiver/internal/core"
)

const (
	retentionSweepInterval = time.Hour
	freeRetentionDays      = 7
	userPageSize           = 250
	deleteChunkSize        = 200
)

// PlanUserSource pages user IDs by subscription plan.
type PlanUserSource interface {
	ListUsersByPlan(ctx context.Context, plan, cursor string, limit int) (*core.UsersByPlanResponse, error)
}

// RetentionDeleter removes stored requests older than the retention
// window for a set of users.
type RetentionDeleter interface {
	DeleteOldRequests(ctx context.Context, userIDs []string, retentionDays int) error
}

// RetentionWorker enforces the free-tier storage window. Plan state
// lives in the control plane; this worker pages all free users hourly
// and submits column store delete mutations for their old rows.
type RetentionWorker struct {
	users   PlanUserSource
	deleter RetentionDeleter
}

// NewRetentionWorker returns nil when the column store is not
// configured; there is nothing to sweep.
func NewRetentionWorker(cp *controlplane.Client, cs *columnstore.Client) *RetentionWorker {
	if cs == nil {
		slog.Info("retention worker disabled: column store not configured")
		return nil
	}
	return &RetentionWorker{users: cp, deleter: cs}
}

func (rw *RetentionWorker) Start(shutdown <-chan struct{}, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("retention worker started")

		for {
			select {
			case <-shutdown:
				slog.Info("retention worker shutting down")
				return
			default:
			}

			if err := runFreeRetentionSweep(context.Background(), rw.users, rw.deleter); err != nil {
				slog.Warn("retention sweep failed", "error", err)
				sentry.CaptureException(err)
			}

			sleepInterruptible(shutdown, retentionSweepInterval)
		}
	}()
}

func runFreeRetentionSweep(ctx context.Context, users PlanUserSource, deleter RetentionDeleter) error {
	cursor := ""
	totalUsers := 0
	totalBatches := 0

	for {
		page, err := users.ListUsersByPlan(ctx, "free", cursor, userPageSize)
		if err != nil {
			return fmt.Errorf("fetch free users: %w", err)
		}
		if page.Error != "" {
			return fmt.Errorf("users-by-plan returned error: %s", page.Error)
		}

		totalUsers += len(page.UserIDs)

		for start := 0; start < len(page.UserIDs); start += deleteChunkSize {
			end := min(start+deleteChunkSize, len(page.UserIDs))
			if err := deleter.DeleteOldRequests(ctx, page.UserIDs[start:end], freeRetentionDays); err != nil {
				return fmt.Errorf("delete mutation failed: %w", err)
			}
			totalBatches++
		}

		if page.Done {
			break
		}
		if page.NextCursor == "" {
			return errors.New("users-by-plan returned done=false without nextCursor")
		}
		cursor = page.NextCursor
	}

	slog.Info("free-tier retention sweep complete",
		"free_users", totalUsers,
		"delete_batches", totalBatches,
		"retention_days", freeRetentionDays)
	return nil
}
