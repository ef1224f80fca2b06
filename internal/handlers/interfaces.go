package handlers

import (
	"context"
	"time"

	"bookbot/internal/database/models"
	"bookbot/internal/publish"
	"bookbot/internal/reconcile"
)

// AdminChecker reports whether a user may run operator commands.
type AdminChecker interface {
	IsAdmin(ctx context.Context, userID int64) (bool, error)
}

// Publisher publishes submissions and retries failed ones.
type Publisher interface {
	Publish(ctx context.Context, sub publish.Submission) publish.Result
	Retry(ctx context.Context, token string) publish.Result
}

// Reconciler runs and previews refresh passes.
type Reconciler interface {
	RunOnce(ctx context.Context) (reconcile.Report, error)
	Preview(ctx context.Context) ([]models.Post, error)
	Stats(ctx context.Context) (reconcile.Stats, error)
	Interval() time.Duration
}

// PendingCounter reports media groups still collecting fragments.
type PendingCounter interface {
	Pending() int
}
