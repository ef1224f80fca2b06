package database

import (
	"context"
	"errors"
	"time"

	"bookbot/internal/database/models"
)

// ErrPostNotFound is returned when no post matches the requested id.
var ErrPostNotFound = errors.New("post not found")

// PostRepository is the persistence port for listings. The SQLite,
// PostgreSQL and MongoDB adapters implement the same contract.
type PostRepository interface {
	// CreatePost inserts post and assigns its ID. A zero CreatedAt is set to now.
	CreatePost(ctx context.Context, post *models.Post) error
	// GetPost returns ErrPostNotFound for an unknown id.
	GetPost(ctx context.Context, id int64) (*models.Post, error)
	// SetPublishedIDs replaces the live channel message ids.
	SetPublishedIDs(ctx context.Context, id int64, channelMessageIDs []int) error
	// RecordRepublish stores the new ids, increments the repost count and sets the last repost time.
	RecordRepublish(ctx context.Context, id int64, channelMessageIDs []int, at time.Time) error
	// ListDue returns posts created at or before cutoff that were never
	// reposted or last reposted at or before cutoff, oldest first.
	ListDue(ctx context.Context, cutoff time.Time) ([]models.Post, error)
	CountDue(ctx context.Context, cutoff time.Time) (int64, error)
	CountPosts(ctx context.Context) (int64, error)
	// ListPosts returns the newest posts first.
	ListPosts(ctx context.Context, limit int) ([]models.Post, error)
	DeletePost(ctx context.Context, id int64) error
	// Migrate creates the schema and folds legacy columns into the current ones. It is idempotent.
	Migrate(ctx context.Context) error
	Close(ctx context.Context) error
}
