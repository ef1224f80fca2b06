// Package reconcile periodically deletes aged channel posts and publishes them again.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bookbot/internal/channel"
	"bookbot/internal/database/models"
	"bookbot/internal/listing"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultIntervalDays   = 7
	DefaultTick           = 24 * time.Hour
	DefaultStartDelay     = 10 * time.Second
	DefaultPublishTimeout = 60 * time.Second
)

// Store is the part of the post repository a pass needs.
type Store interface {
	ListDue(ctx context.Context, cutoff time.Time) ([]models.Post, error)
	CountDue(ctx context.Context, cutoff time.Time) (int64, error)
	CountPosts(ctx context.Context) (int64, error)
	SetPublishedIDs(ctx context.Context, id int64, channelMessageIDs []int) error
	RecordRepublish(ctx context.Context, id int64, channelMessageIDs []int, at time.Time) error
}

// Gateway publishes and deletes channel posts. Delete must wrap
// channel.ErrMessageGone or channel.ErrDeleteForbidden where they apply.
type Gateway interface {
	Publish(ctx context.Context, text string, mediaRefs []string) ([]int, error)
	Delete(ctx context.Context, messageID int) error
}

// Formatter renders stored fields as the post body.
type Formatter interface {
	Format(f listing.Fields) string
}

// DeleteOutcome classifies one delete attempt.
type DeleteOutcome int

const (
	Deleted DeleteOutcome = iota
	AlreadyGone
	Forbidden
	OtherError
)

func (o DeleteOutcome) String() string {
	switch o {
	case Deleted:
		return "deleted"
	case AlreadyGone:
		return "already_gone"
	case Forbidden:
		return "forbidden"
	case OtherError:
		return "other_error"
	}
	return "unknown"
}

// ClassifyDelete maps a Gateway.Delete error to its outcome.
func ClassifyDelete(err error) DeleteOutcome {
	switch {
	case err == nil:
		return Deleted
	case errors.Is(err, channel.ErrMessageGone):
		return AlreadyGone
	case errors.Is(err, channel.ErrDeleteForbidden):
		return Forbidden
	default:
		return OtherError
	}
}

// RecordStatus is how one due record ended in a pass.
type RecordStatus int

const (
	Republished RecordStatus = iota
	// Skipped records had every channel message removed by someone else.
	Skipped
	// Failed records keep their repost bookkeeping and are retried next pass.
	Failed
	// Invalid records have no media or unreadable text; nothing is touched.
	Invalid
)

func (s RecordStatus) String() string {
	switch s {
	case Republished:
		return "republished"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	case Invalid:
		return "invalid"
	}
	return "unknown"
}

// RecordResult is the outcome for one due record.
type RecordResult struct {
	PostID int64
	Status RecordStatus
	// Deletes holds one outcome per previously published id, in order.
	Deletes []DeleteOutcome
	// PublishedIDs are the new channel ids when Status is Republished.
	PublishedIDs []int
	Err          error
}

// Report summarizes a pass.
type Report struct {
	RunID       uuid.UUID
	StartedAt   time.Time
	FinishedAt  time.Time
	Due         int
	Republished int
	Skipped     int
	Failed      int
	Invalid     int
	Deletes     map[DeleteOutcome]int
	Records     []RecordResult
}

func (r *Report) add(res RecordResult) {
	r.Records = append(r.Records, res)
	for _, d := range res.Deletes {
		r.Deletes[d]++
	}
	switch res.Status {
	case Republished:
		r.Republished++
	case Skipped:
		r.Skipped++
	case Failed:
		r.Failed++
	case Invalid:
		r.Invalid++
	}
}

// Stats describes the current store for operators.
type Stats struct {
	Total    int64
	Due      int64
	Interval time.Duration
}

// Options tunes a Scheduler. Zero fields take the defaults, except
// StartDelay: zero runs the first pass immediately.
type Options struct {
	IntervalDays   int
	Tick           time.Duration
	StartDelay     time.Duration
	PublishTimeout time.Duration
	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

// Scheduler runs reconciliation passes one at a time.
type Scheduler struct {
	store          Store
	gateway        Gateway
	formatter      Formatter
	interval       time.Duration
	tick           time.Duration
	startDelay     time.Duration
	publishTimeout time.Duration
	now            func() time.Time
	pass           *semaphore.Weighted
	logger         *zap.Logger
}

// NewScheduler wires a Scheduler.
func NewScheduler(store Store, gateway Gateway, formatter Formatter, opts Options, logger *zap.Logger) *Scheduler {
	if opts.IntervalDays <= 0 {
		opts.IntervalDays = DefaultIntervalDays
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.StartDelay < 0 {
		opts.StartDelay = DefaultStartDelay
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:          store,
		gateway:        gateway,
		formatter:      formatter,
		interval:       time.Duration(opts.IntervalDays) * 24 * time.Hour,
		tick:           opts.Tick,
		startDelay:     opts.StartDelay,
		publishTimeout: opts.PublishTimeout,
		now:            opts.Now,
		pass:           semaphore.NewWeighted(1),
		logger:         logger.With(zap.String("component", "reconcile")),
	}
}

// Interval is the age at which a post becomes due.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

func (s *Scheduler) cutoff() time.Time {
	return s.now().UTC().Add(-s.interval)
}

// Run performs a pass after the start delay and then once per tick until
// ctx is done. Ticks that fall due while a pass runs are dropped.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("reconciliation scheduler started",
		zap.Duration("interval", s.interval), zap.Duration("tick", s.tick), zap.Duration("start_delay", s.startDelay))

	timer := time.NewTimer(s.startDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
	}
	s.runScheduled(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconciliation scheduler stopped")
			return nil
		case <-ticker.C:
			s.runScheduled(ctx)
		}
	}
}

func (s *Scheduler) runScheduled(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("reconciliation pass failed", zap.Error(err))
		sentry.CaptureException(fmt.Errorf("reconciliation pass: %w", err))
	}
}

// RunOnce performs one pass. A pass requested while another is running
// waits for it to finish.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	if err := s.pass.Acquire(ctx, 1); err != nil {
		return Report{}, fmt.Errorf("waiting for running pass: %w", err)
	}
	defer s.pass.Release(1)

	report := Report{
		RunID:     uuid.New(),
		StartedAt: s.now(),
		Deletes:   make(map[DeleteOutcome]int),
	}
	logger := s.logger.With(zap.String("run_id", report.RunID.String()))

	due, err := s.store.ListDue(ctx, s.cutoff())
	if err != nil {
		return report, fmt.Errorf("failed to list due posts: %w", err)
	}
	report.Due = len(due)
	logger.Info("reconciliation pass started", zap.Int("due", report.Due))

	for i := range due {
		if ctx.Err() != nil {
			break
		}
		report.add(s.reconcile(ctx, &due[i], logger))
	}

	report.FinishedAt = s.now()
	logger.Info("reconciliation pass finished",
		zap.Int("republished", report.Republished),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("invalid", report.Invalid),
		zap.Duration("took", report.FinishedAt.Sub(report.StartedAt)))
	return report, ctx.Err()
}

func (s *Scheduler) reconcile(ctx context.Context, post *models.Post, logger *zap.Logger) RecordResult {
	logger = logger.With(zap.Int64("post_id", post.ID))
	res := RecordResult{PostID: post.ID}

	fields, err := listing.Parse(post.TextContent)
	if err == nil && len(post.FileIDs) == 0 {
		err = errors.New("post has no media")
	}
	if err != nil {
		logger.Warn("skipping unreadable post", zap.Error(err))
		res.Status = Invalid
		res.Err = err
		return res
	}

	previous := post.ChannelMessageIDs
	var remaining []int
	gone := 0
	for _, id := range previous {
		outcome := ClassifyDelete(s.gateway.Delete(ctx, id))
		res.Deletes = append(res.Deletes, outcome)
		switch outcome {
		case AlreadyGone:
			gone++
		case Forbidden, OtherError:
			remaining = append(remaining, id)
			logger.Warn("could not delete channel message", zap.Int("message_id", id), zap.Stringer("outcome", outcome))
		}
	}

	if len(previous) > 0 && gone == len(previous) {
		logger.Info("all channel messages already removed, not republishing")
		res.Status = Skipped
		return res
	}

	pubCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	ids, err := s.gateway.Publish(pubCtx, s.formatter.Format(fields), post.FileIDs)
	cancel()
	if err != nil {
		logger.Error("republish failed", zap.Error(err))
		res.Status = Failed
		res.Err = err
		// Ids we removed ourselves must not read as a manual withdrawal next pass.
		if len(remaining) != len(previous) {
			if perr := s.store.SetPublishedIDs(context.WithoutCancel(ctx), post.ID, remaining); perr != nil {
				logger.Error("failed to prune published ids", zap.Error(perr))
			}
		}
		return res
	}

	now := s.now().UTC()
	if err := s.store.RecordRepublish(context.WithoutCancel(ctx), post.ID, ids, now); err != nil {
		logger.Error("republished but failed to record it", zap.Ints("message_ids", ids), zap.Error(err))
		sentry.CaptureException(fmt.Errorf("record republish of post %d: %w", post.ID, err))
		res.Status = Failed
		res.Err = err
		return res
	}

	logger.Info("post republished", zap.Ints("message_ids", ids), zap.Int("repost_count", post.RepostCount+1))
	res.Status = Republished
	res.PublishedIDs = ids
	return res
}

// Preview returns the posts the next pass would handle. It has no side effects.
func (s *Scheduler) Preview(ctx context.Context) ([]models.Post, error) {
	posts, err := s.store.ListDue(ctx, s.cutoff())
	if err != nil {
		return nil, fmt.Errorf("failed to list due posts: %w", err)
	}
	return posts, nil
}

// Stats counts all posts and the ones currently due.
func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	total, err := s.store.CountPosts(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count posts: %w", err)
	}
	due, err := s.store.CountDue(ctx, s.cutoff())
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count due posts: %w", err)
	}
	return Stats{Total: total, Due: due, Interval: s.interval}, nil
}
