package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bookbot/internal/database/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS posts (
	id SERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL,
	message_id INTEGER,
	channel_message_id INTEGER,
	channel_message_ids TEXT,
	text_content TEXT,
	image_path TEXT,
	file_ids TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	repost_count INTEGER DEFAULT 0,
	last_repost TIMESTAMP
);
ALTER TABLE posts ADD COLUMN IF NOT EXISTS file_ids TEXT;
ALTER TABLE posts ADD COLUMN IF NOT EXISTS channel_message_ids TEXT;
ALTER TABLE posts ADD COLUMN IF NOT EXISTS channel_message_id INTEGER;
ALTER TABLE posts ADD COLUMN IF NOT EXISTS repost_count INTEGER DEFAULT 0;
ALTER TABLE posts ADD COLUMN IF NOT EXISTS last_repost TIMESTAMP;
CREATE INDEX IF NOT EXISTS idx_posts_created_at ON posts(created_at);
`

// PostgresPostRepository implements PostRepository on PostgreSQL through a pgx pool.
type PostgresPostRepository struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool to dsn.
func OpenPostgres(ctx context.Context, dsn string, maxConns int) (*PostgresPostRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	cfg.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &PostgresPostRepository{pool: pool}, nil
}

// Migrate creates the schema and folds the legacy single channel id into channel_message_ids.
func (r *PostgresPostRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE posts
		SET channel_message_ids = '[' || channel_message_id::text || ']'
		WHERE channel_message_id IS NOT NULL AND channel_message_id > 0
		  AND (channel_message_ids IS NULL OR channel_message_ids IN ('', '[]'))`)
	if err != nil {
		return fmt.Errorf("failed to backfill channel_message_ids: %w", err)
	}
	return nil
}

// CreatePost inserts post and sets its ID.
func (r *PostgresPostRepository) CreatePost(ctx context.Context, post *models.Post) error {
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now()
	}
	post.CreatedAt = post.CreatedAt.UTC().Truncate(time.Microsecond)

	fileIDs, err := encodeJSON(post.FileIDs)
	if err != nil {
		return err
	}
	channelIDs, err := encodeJSON(post.ChannelMessageIDs)
	if err != nil {
		return err
	}

	err = r.pool.QueryRow(ctx, `
		INSERT INTO posts (user_id, message_id, channel_message_id, text_content, file_ids, channel_message_ids, created_at, repost_count)
		VALUES ($1, $2, 0, $3, $4, $5, $6, $7)
		RETURNING id`,
		post.UserID, post.MessageID, post.TextContent, fileIDs, channelIDs, post.CreatedAt, post.RepostCount,
	).Scan(&post.ID)
	if err != nil {
		return fmt.Errorf("failed to insert post: %w", err)
	}
	return nil
}

// GetPost retrieves a single post by id.
func (r *PostgresPostRepository) GetPost(ctx context.Context, id int64) (*models.Post, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+postColumns+" FROM posts WHERE id = $1", id)
	post, err := scanPostgresPost(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find post %d: %w", id, err)
	}
	return post, nil
}

// SetPublishedIDs replaces the post's live channel message ids.
func (r *PostgresPostRepository) SetPublishedIDs(ctx context.Context, id int64, channelMessageIDs []int) error {
	encoded, err := encodeJSON(channelMessageIDs)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, "UPDATE posts SET channel_message_ids = $1 WHERE id = $2", encoded, id)
	if err != nil {
		return fmt.Errorf("failed to update channel ids for post %d: %w", id, err)
	}
	return expectOneTag(tag)
}

// RecordRepublish stores the new channel ids and bumps the repost bookkeeping.
func (r *PostgresPostRepository) RecordRepublish(ctx context.Context, id int64, channelMessageIDs []int, at time.Time) error {
	encoded, err := encodeJSON(channelMessageIDs)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE posts
		SET channel_message_ids = $1, repost_count = COALESCE(repost_count, 0) + 1, last_repost = $2
		WHERE id = $3`,
		encoded, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record repost for post %d: %w", id, err)
	}
	return expectOneTag(tag)
}

const postgresDueFilter = `created_at <= $1 AND (last_repost IS NULL OR last_repost <= $1)`

// ListDue returns posts due for reposting, oldest first.
func (r *PostgresPostRepository) ListDue(ctx context.Context, cutoff time.Time) ([]models.Post, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT "+postColumns+" FROM posts WHERE "+postgresDueFilter+" ORDER BY created_at, id", cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query due posts: %w", err)
	}
	return collectPostgresPosts(rows)
}

// CountDue counts posts due for reposting.
func (r *PostgresPostRepository) CountDue(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM posts WHERE "+postgresDueFilter, cutoff.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count due posts: %w", err)
	}
	return n, nil
}

// CountPosts counts all posts.
func (r *PostgresPostRepository) CountPosts(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM posts").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count posts: %w", err)
	}
	return n, nil
}

// ListPosts returns up to limit posts, newest first.
func (r *PostgresPostRepository) ListPosts(ctx context.Context, limit int) ([]models.Post, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT "+postColumns+" FROM posts ORDER BY created_at DESC, id DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}
	return collectPostgresPosts(rows)
}

// DeletePost removes a post record.
func (r *PostgresPostRepository) DeletePost(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, "DELETE FROM posts WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete post %d: %w", id, err)
	}
	return expectOneTag(tag)
}

// Close releases the pool.
func (r *PostgresPostRepository) Close(context.Context) error {
	r.pool.Close()
	return nil
}

func scanPostgresPost(row pgx.Row) (*models.Post, error) {
	var (
		post        models.Post
		messageID   *int64
		text        *string
		fileIDs     *string
		channelIDs  *string
		createdAt   *time.Time
		repostCount *int64
		lastRepost  *time.Time
	)
	if err := row.Scan(&post.ID, &post.UserID, &messageID, &text, &fileIDs, &channelIDs, &createdAt, &repostCount, &lastRepost); err != nil {
		return nil, err
	}

	var created, last any
	if createdAt != nil {
		created = *createdAt
	}
	if lastRepost != nil {
		last = *lastRepost
	}
	return fillPost(&post, nullInt(messageID), nullString(text), nullString(fileIDs), nullString(channelIDs), created, nullInt(repostCount), last)
}

func collectPostgresPosts(rows pgx.Rows) ([]models.Post, error) {
	defer rows.Close()
	var posts []models.Post
	for rows.Next() {
		post, err := scanPostgresPost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}
		posts = append(posts, *post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate posts: %w", err)
	}
	return posts, nil
}

func expectOneTag(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return ErrPostNotFound
	}
	return nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
