package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bookbot/internal/database/models"

	_ "github.com/mattn/go-sqlite3"
)

// Schema version tracking:
// 0 - tables as created by the first bot release
// 1 - channel_message_id folded into channel_message_ids
const sqliteSchemaVersion = 1

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS posts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
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
CREATE INDEX IF NOT EXISTS idx_posts_created_at ON posts(created_at);
`

const postColumns = `id, user_id, message_id, text_content, file_ids, channel_message_ids, created_at, repost_count, last_repost`

// SQLitePostRepository implements PostRepository on a local SQLite file.
type SQLitePostRepository struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and applies the required pragmas.
// Call Migrate before use.
func OpenSQLite(ctx context.Context, path string) (*SQLitePostRepository, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return &SQLitePostRepository{db: db}, nil
}

// Migrate creates the posts table, adds columns newer releases introduced
// and folds the legacy single channel id into channel_message_ids.
func (r *SQLitePostRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	existing, err := r.columns(ctx)
	if err != nil {
		return err
	}
	added := []struct{ name, ddl string }{
		{"file_ids", "ALTER TABLE posts ADD COLUMN file_ids TEXT"},
		{"channel_message_ids", "ALTER TABLE posts ADD COLUMN channel_message_ids TEXT"},
		{"repost_count", "ALTER TABLE posts ADD COLUMN repost_count INTEGER DEFAULT 0"},
		{"last_repost", "ALTER TABLE posts ADD COLUMN last_repost TIMESTAMP"},
	}
	for _, col := range added {
		if existing[col.name] {
			continue
		}
		if _, err := r.db.ExecContext(ctx, col.ddl); err != nil {
			return fmt.Errorf("failed to add column %s: %w", col.name, err)
		}
	}

	var version int
	if err := r.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 && existing["channel_message_id"] {
		_, err := r.db.ExecContext(ctx, `
			UPDATE posts
			SET channel_message_ids = '[' || channel_message_id || ']'
			WHERE channel_message_id IS NOT NULL AND channel_message_id > 0
			  AND (channel_message_ids IS NULL OR channel_message_ids IN ('', '[]'))`)
		if err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := r.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func (r *SQLitePostRepository) columns(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, "PRAGMA table_info(posts)")
	if err != nil {
		return nil, fmt.Errorf("failed to inspect posts table: %w", err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan table info: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// CreatePost inserts post and sets its ID.
func (r *SQLitePostRepository) CreatePost(ctx context.Context, post *models.Post) error {
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now().UTC()
	}
	post.CreatedAt = post.CreatedAt.UTC().Truncate(time.Second)

	fileIDs, err := encodeJSON(post.FileIDs)
	if err != nil {
		return err
	}
	channelIDs, err := encodeJSON(post.ChannelMessageIDs)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO posts (user_id, message_id, channel_message_id, text_content, file_ids, channel_message_ids, created_at, repost_count)
		VALUES (?, ?, 0, ?, ?, ?, ?, ?)`,
		post.UserID, post.MessageID, post.TextContent, fileIDs, channelIDs, formatSQLTime(post.CreatedAt), post.RepostCount)
	if err != nil {
		return fmt.Errorf("failed to insert post: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read inserted post id: %w", err)
	}
	post.ID = id
	return nil
}

// GetPost retrieves a single post by id.
func (r *SQLitePostRepository) GetPost(ctx context.Context, id int64) (*models.Post, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+postColumns+" FROM posts WHERE id = ?", id)
	post, err := scanSQLitePost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find post %d: %w", id, err)
	}
	return post, nil
}

// SetPublishedIDs replaces the post's live channel message ids.
func (r *SQLitePostRepository) SetPublishedIDs(ctx context.Context, id int64, channelMessageIDs []int) error {
	encoded, err := encodeJSON(channelMessageIDs)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, "UPDATE posts SET channel_message_ids = ? WHERE id = ?", encoded, id)
	if err != nil {
		return fmt.Errorf("failed to update channel ids for post %d: %w", id, err)
	}
	return expectOneRow(res, id)
}

// RecordRepublish stores the new channel ids and bumps the repost bookkeeping.
func (r *SQLitePostRepository) RecordRepublish(ctx context.Context, id int64, channelMessageIDs []int, at time.Time) error {
	encoded, err := encodeJSON(channelMessageIDs)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE posts
		SET channel_message_ids = ?, repost_count = COALESCE(repost_count, 0) + 1, last_repost = ?
		WHERE id = ?`,
		encoded, formatSQLTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to record repost for post %d: %w", id, err)
	}
	return expectOneRow(res, id)
}

const sqliteDueFilter = `created_at <= ? AND (last_repost IS NULL OR last_repost <= ?)`

// ListDue returns posts due for reposting, oldest first.
func (r *SQLitePostRepository) ListDue(ctx context.Context, cutoff time.Time) ([]models.Post, error) {
	c := formatSQLTime(cutoff)
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+postColumns+" FROM posts WHERE "+sqliteDueFilter+" ORDER BY created_at, id", c, c)
	if err != nil {
		return nil, fmt.Errorf("failed to query due posts: %w", err)
	}
	return collectSQLitePosts(rows)
}

// CountDue counts posts due for reposting.
func (r *SQLitePostRepository) CountDue(ctx context.Context, cutoff time.Time) (int64, error) {
	c := formatSQLTime(cutoff)
	var n int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM posts WHERE "+sqliteDueFilter, c, c).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count due posts: %w", err)
	}
	return n, nil
}

// CountPosts counts all posts.
func (r *SQLitePostRepository) CountPosts(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM posts").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count posts: %w", err)
	}
	return n, nil
}

// ListPosts returns up to limit posts, newest first.
func (r *SQLitePostRepository) ListPosts(ctx context.Context, limit int) ([]models.Post, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+postColumns+" FROM posts ORDER BY created_at DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}
	return collectSQLitePosts(rows)
}

// DeletePost removes a post record. Channel messages are not touched.
func (r *SQLitePostRepository) DeletePost(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM posts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete post %d: %w", id, err)
	}
	return expectOneRow(res, id)
}

// Close closes the database connection.
func (r *SQLitePostRepository) Close(context.Context) error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLitePost(row rowScanner) (*models.Post, error) {
	var (
		post        models.Post
		messageID   sql.NullInt64
		text        sql.NullString
		fileIDs     sql.NullString
		channelIDs  sql.NullString
		createdAt   any
		repostCount sql.NullInt64
		lastRepost  any
	)
	if err := row.Scan(&post.ID, &post.UserID, &messageID, &text, &fileIDs, &channelIDs, &createdAt, &repostCount, &lastRepost); err != nil {
		return nil, err
	}
	return fillPost(&post, messageID, text, fileIDs, channelIDs, createdAt, repostCount, lastRepost)
}

func fillPost(post *models.Post, messageID sql.NullInt64, text, fileIDs, channelIDs sql.NullString, createdAt any, repostCount sql.NullInt64, lastRepost any) (*models.Post, error) {
	var err error
	post.MessageID = int(messageID.Int64)
	post.TextContent = text.String
	post.RepostCount = int(repostCount.Int64)

	if fileIDs.Valid {
		if post.FileIDs, err = decodeJSON[string](&fileIDs.String); err != nil {
			return nil, err
		}
	}
	if channelIDs.Valid {
		if post.ChannelMessageIDs, err = decodeJSON[int](&channelIDs.String); err != nil {
			return nil, err
		}
	}
	created, err := parseSQLTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("post %d created_at: %w", post.ID, err)
	}
	if created != nil {
		post.CreatedAt = *created
	}
	if post.LastRepost, err = parseSQLTime(lastRepost); err != nil {
		return nil, fmt.Errorf("post %d last_repost: %w", post.ID, err)
	}
	return post, nil
}

func collectSQLitePosts(rows *sql.Rows) ([]models.Post, error) {
	defer rows.Close()
	var posts []models.Post
	for rows.Next() {
		post, err := scanSQLitePost(rows)
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

func expectOneRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows for post %d: %w", id, err)
	}
	if n == 0 {
		return ErrPostNotFound
	}
	return nil
}
