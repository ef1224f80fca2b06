// Package publish turns settled submissions into channel posts.
//
// A record is always created before the channel call so a failed or timed
// out publish leaves a recoverable row with no published ids. Failed
// submissions get a short retry token that maps back to that row.
package publish

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bookbot/internal/database/models"
	"bookbot/internal/listing"

	"github.com/getsentry/sentry-go"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTimeout        = 60 * time.Second
	DefaultTokenTTL       = time.Hour
	DefaultTokenCacheSize = 1024

	tokenLength = 8
)

var (
	// ErrTokenExpired is returned by Retry for an unknown or evicted token.
	ErrTokenExpired = errors.New("retry token expired")
	// ErrNoMedia rejects a submission without photos.
	ErrNoMedia = errors.New("submission has no media")
)

// Store is the subset of the post repository the coordinator writes to.
type Store interface {
	CreatePost(ctx context.Context, post *models.Post) error
	GetPost(ctx context.Context, id int64) (*models.Post, error)
	SetPublishedIDs(ctx context.Context, id int64, channelMessageIDs []int) error
}

// Gateway publishes a formatted post and returns its channel message ids.
type Gateway interface {
	Publish(ctx context.Context, text string, mediaRefs []string) ([]int, error)
}

// Formatter renders validated fields as the post body.
type Formatter interface {
	Format(f listing.Fields) string
}

// Outcome is what the submitter is told.
type Outcome int

const (
	Published Outcome = iota
	Rejected
	TransientFailure
)

func (o Outcome) String() string {
	switch o {
	case Published:
		return "published"
	case Rejected:
		return "rejected"
	case TransientFailure:
		return "transient_failure"
	}
	return "unknown"
}

// Submission is one complete listing from a user.
type Submission struct {
	OwnerID         int64
	SourceMessageID int
	Caption         string
	MediaRefs       []string
}

// Result describes how a publish attempt ended.
type Result struct {
	Outcome    Outcome
	PostID     int64
	MediaCount int
	// RetryToken is set on TransientFailure when a record exists to retry.
	RetryToken string
	// AlreadyPublished is set by Retry when the record was published earlier.
	AlreadyPublished bool
	Err              error
}

// Options tunes a Coordinator. Zero fields take the defaults.
type Options struct {
	Timeout        time.Duration
	TokenTTL       time.Duration
	TokenCacheSize int
}

// Coordinator validates, records and publishes submissions.
type Coordinator struct {
	store     Store
	gateway   Gateway
	formatter Formatter
	timeout   time.Duration
	tokens    *expirable.LRU[string, int64]
	inflight  singleflight.Group
	logger    *zap.Logger
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(store Store, gateway Gateway, formatter Formatter, opts Options, logger *zap.Logger) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	if opts.TokenCacheSize <= 0 {
		opts.TokenCacheSize = DefaultTokenCacheSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:     store,
		gateway:   gateway,
		formatter: formatter,
		timeout:   opts.Timeout,
		tokens:    expirable.NewLRU[string, int64](opts.TokenCacheSize, nil, opts.TokenTTL),
		logger:    logger.With(zap.String("component", "publish")),
	}
}

// Publish validates sub, creates its record and publishes it once.
func (c *Coordinator) Publish(ctx context.Context, sub Submission) Result {
	logger := c.logger.With(zap.Int64("user_id", sub.OwnerID), zap.Int("message_id", sub.SourceMessageID))

	fields, err := listing.Parse(sub.Caption)
	if err != nil {
		logger.Info("rejected submission", zap.Error(err))
		return Result{Outcome: Rejected, MediaCount: len(sub.MediaRefs), Err: err}
	}
	if len(sub.MediaRefs) == 0 {
		return Result{Outcome: Rejected, Err: ErrNoMedia}
	}
	body, err := c.render(fields)
	if err != nil {
		logger.Info("rejected submission", zap.Error(err))
		return Result{Outcome: Rejected, MediaCount: len(sub.MediaRefs), Err: err}
	}

	post := &models.Post{
		UserID:      sub.OwnerID,
		MessageID:   sub.SourceMessageID,
		TextContent: fields.Canonical(),
		FileIDs:     append([]string(nil), sub.MediaRefs...),
	}
	if err := c.store.CreatePost(ctx, post); err != nil {
		logger.Error("failed to create post record", zap.Error(err))
		sentry.CaptureException(fmt.Errorf("create post for user %d: %w", sub.OwnerID, err))
		return Result{Outcome: TransientFailure, MediaCount: len(sub.MediaRefs), Err: err}
	}

	return c.publishRecord(ctx, post, body, logger)
}

// render formats fields and enforces the caption limit.
func (c *Coordinator) render(fields listing.Fields) (string, error) {
	body := c.formatter.Format(fields)
	if n := listing.CaptionLength(body); n > listing.MaxCaptionLength {
		return "", fmt.Errorf("%w: %d > %d", listing.ErrTooLong, n, listing.MaxCaptionLength)
	}
	return body, nil
}

func (c *Coordinator) publishRecord(ctx context.Context, post *models.Post, body string, logger *zap.Logger) Result {
	logger = logger.With(zap.Int64("post_id", post.ID))
	res := Result{PostID: post.ID, MediaCount: len(post.FileIDs)}

	pubCtx, cancel := context.WithTimeout(ctx, c.timeout)
	ids, err := c.gateway.Publish(pubCtx, body, post.FileIDs)
	cancel()
	if err != nil {
		token := Token(post.FileIDs[0])
		c.tokens.Add(token, post.ID)
		logger.Warn("publish failed, record kept for retry", zap.String("token", token), zap.Error(err))
		res.Outcome = TransientFailure
		res.RetryToken = token
		res.Err = err
		return res
	}

	if err := c.store.SetPublishedIDs(context.WithoutCancel(ctx), post.ID, ids); err != nil {
		logger.Error("published but failed to store channel message ids", zap.Ints("message_ids", ids), zap.Error(err))
		sentry.CaptureException(fmt.Errorf("store published ids for post %d: %w", post.ID, err))
	}
	post.ChannelMessageIDs = ids

	logger.Info("post published", zap.Ints("message_ids", ids))
	res.Outcome = Published
	return res
}

// Retry publishes the record behind token once more. Concurrent retries of
// the same record share one attempt.
func (c *Coordinator) Retry(ctx context.Context, token string) Result {
	id, ok := c.tokens.Get(token)
	if !ok {
		return Result{Outcome: TransientFailure, Err: ErrTokenExpired}
	}

	v, _, _ := c.inflight.Do(strconv.FormatInt(id, 10), func() (interface{}, error) {
		return c.retry(ctx, token, id), nil
	})
	return v.(Result)
}

func (c *Coordinator) retry(ctx context.Context, token string, id int64) Result {
	logger := c.logger.With(zap.String("token", token), zap.Int64("post_id", id))

	post, err := c.store.GetPost(ctx, id)
	if err != nil {
		logger.Error("failed to load post for retry", zap.Error(err))
		return Result{Outcome: TransientFailure, PostID: id, RetryToken: token, Err: err}
	}
	if post.Published() {
		c.tokens.Remove(token)
		return Result{Outcome: Published, PostID: id, MediaCount: len(post.FileIDs), AlreadyPublished: true}
	}

	var body string
	fields, err := listing.Parse(post.TextContent)
	switch {
	case err != nil:
	case len(post.FileIDs) == 0:
		err = ErrNoMedia
	default:
		body, err = c.render(fields)
	}
	if err != nil {
		c.tokens.Remove(token)
		logger.Error("stored post cannot be published", zap.Error(err))
		return Result{Outcome: Rejected, PostID: id, Err: err}
	}

	res := c.publishRecord(ctx, post, body, logger)
	if res.Outcome == Published {
		c.tokens.Remove(token)
	}
	return res
}

// Token derives the short retry token for a post from its first media ref.
// It fits comfortably in Telegram's 64 byte callback data.
func Token(firstMediaRef string) string {
	sum := sha1.Sum([]byte(firstMediaRef))
	return hex.EncodeToString(sum[:])[:tokenLength]
}
