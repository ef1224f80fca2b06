package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bookbot/internal/channel"
	"bookbot/internal/database"
	"bookbot/internal/database/models"
	"bookbot/internal/listing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const storedText = "Title\nAuthor\n200\nGood\nHard\n2020\nNone\n50"

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Publish(ctx context.Context, text string, mediaRefs []string) ([]int, error) {
	args := m.Called(ctx, text, mediaRefs)
	if ids, ok := args.Get(0).([]int); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) Delete(ctx context.Context, messageID int) error {
	args := m.Called(ctx, messageID)
	return args.Error(0)
}

type plainFormatter struct{}

func (plainFormatter) Format(f listing.Fields) string { return f.Canonical() }

func gone(id int) error {
	return fmt.Errorf("delete message %d: %w", id, channel.ErrMessageGone)
}

func forbidden(id int) error {
	return fmt.Errorf("delete message %d: %w", id, channel.ErrDeleteForbidden)
}

type fixture struct {
	store database.PostRepository
	gw    *mockGateway
	sched *Scheduler
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := database.OpenSQLite(ctx, filepath.Join(t.TempDir(), "posts.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close(ctx) })

	f := &fixture{store: store, gw: new(mockGateway), now: time.Now().UTC().Truncate(time.Second)}
	f.sched = NewScheduler(store, f.gw, plainFormatter{}, Options{
		IntervalDays: 7,
		Now:          func() time.Time { return f.now },
	}, zaptest.NewLogger(t))
	return f
}

func (f *fixture) addPost(t *testing.T, age time.Duration, channelIDs []int, files ...string) *models.Post {
	t.Helper()
	if len(files) == 0 {
		files = []string{"photo-1"}
	}
	post := &models.Post{
		UserID:            1,
		MessageID:         10,
		TextContent:       storedText,
		FileIDs:           files,
		ChannelMessageIDs: channelIDs,
		CreatedAt:         f.now.Add(-age),
	}
	require.NoError(t, f.store.CreatePost(context.Background(), post))
	return post
}

func (f *fixture) reload(t *testing.T, id int64) *models.Post {
	t.Helper()
	post, err := f.store.GetPost(context.Background(), id)
	require.NoError(t, err)
	return post
}

const day = 24 * time.Hour

func TestTenDayOldPostIsRepublished(t *testing.T) {
	f := newFixture(t)
	post := f.addPost(t, 10*day, []int{5, 6}, "b", "a", "c")

	f.gw.On("Delete", mock.Anything, 5).Return(nil).Once()
	f.gw.On("Delete", mock.Anything, 6).Return(nil).Once()
	f.gw.On("Publish", mock.Anything, storedText, []string{"b", "a", "c"}).Return([]int{20, 21, 22}, nil).Once()

	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Due)
	assert.Equal(t, 1, report.Republished)
	assert.Equal(t, 2, report.Deletes[Deleted])
	require.Len(t, report.Records, 1)
	assert.Equal(t, []DeleteOutcome{Deleted, Deleted}, report.Records[0].Deletes)

	got := f.reload(t, post.ID)
	assert.Equal(t, 1, got.RepostCount)
	require.NotNil(t, got.LastRepost)
	assert.WithinDuration(t, f.now, *got.LastRepost, time.Second)
	assert.Equal(t, []int{20, 21, 22}, got.ChannelMessageIDs)
	assert.Equal(t, []string{"b", "a", "c"}, got.FileIDs)
	f.gw.AssertExpectations(t)

	// Freshly reposted, so the next pass has nothing to do.
	report, err = f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Due)
}

func TestAllAlreadyGoneIsSkipped(t *testing.T) {
	f := newFixture(t)
	post := f.addPost(t, 10*day, []int{5})

	f.gw.On("Delete", mock.Anything, 5).Return(gone(5)).Once()

	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Deletes[AlreadyGone])

	got := f.reload(t, post.ID)
	assert.Zero(t, got.RepostCount)
	assert.Nil(t, got.LastRepost)
	assert.Equal(t, []int{5}, got.ChannelMessageIDs)
	f.gw.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestPartlyGoneIsRepublished(t *testing.T) {
	f := newFixture(t)
	post := f.addPost(t, 8*day, []int{5, 6, 7}, "a", "b", "c")

	f.gw.On("Delete", mock.Anything, 5).Return(gone(5)).Once()
	f.gw.On("Delete", mock.Anything, 6).Return(forbidden(6)).Once()
	f.gw.On("Delete", mock.Anything, 7).Return(errors.New("connection reset")).Once()
	f.gw.On("Publish", mock.Anything, mock.Anything, []string{"a", "b", "c"}).Return([]int{30, 31, 32}, nil).Once()

	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Republished)
	assert.Equal(t, []DeleteOutcome{AlreadyGone, Forbidden, OtherError}, report.Records[0].Deletes)
	assert.Equal(t, 1, f.reload(t, post.ID).RepostCount)
}

func TestNeverPublishedPostIsPublished(t *testing.T) {
	f := newFixture(t)
	post := f.addPost(t, 9*day, nil)

	f.gw.On("Publish", mock.Anything, mock.Anything, []string{"photo-1"}).Return([]int{8}, nil).Once()

	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Republished)
	assert.Equal(t, []int{8}, f.reload(t, post.ID).ChannelMessageIDs)
	f.gw.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestRepublishFailureKeepsBookkeeping(t *testing.T) {
	f := newFixture(t)
	post := f.addPost(t, 10*day, []int{5, 6})

	f.gw.On("Delete", mock.Anything, 5).Return(nil).Once()
	f.gw.On("Delete", mock.Anything, 6).Return(forbidden(6)).Once()
	f.gw.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("gateway down")).Once()

	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	got := f.reload(t, post.ID)
	assert.Zero(t, got.RepostCount)
	assert.Nil(t, got.LastRepost)
	assert.Equal(t, []int{6}, got.ChannelMessageIDs)

	// Still due and retried on the next pass.
	f.gw.On("Delete", mock.Anything, 6).Return(forbidden(6)).Once()
	f.gw.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return([]int{40}, nil).Once()

	report, err = f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Republished)
	assert.Equal(t, 1, f.reload(t, post.ID).RepostCount)
	f.gw.AssertExpectations(t)
}

func TestOwnDeletionsAreNotMistakenForWithdrawal(t *testing.T) {
	f := newFixture(t)
	post := f.addPost(t, 10*day, []int{5})

	f.gw.On("Delete", mock.Anything, 5).Return(nil).Once()
	f.gw.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("gateway down")).Once()
	_, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.reload(t, post.ID).ChannelMessageIDs)

	f.gw.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return([]int{9}, nil).Once()
	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Republished)
	f.gw.AssertNumberOfCalls(t, "Delete", 1)
}

func TestPostsNotYetDueAreIgnored(t *testing.T) {
	f := newFixture(t)
	f.addPost(t, 3*day, []int{1})
	recent := f.addPost(t, 20*day, []int{2})
	require.NoError(t, f.store.RecordRepublish(context.Background(), recent.ID, []int{2}, f.now.Add(-2*day)))

	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Due)
	f.gw.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestInvalidPostIsLeftAlone(t *testing.T) {
	f := newFixture(t)
	post := &models.Post{TextContent: "only\ntwo", FileIDs: []string{"a"}, ChannelMessageIDs: []int{3}, CreatedAt: f.now.Add(-10 * day)}
	require.NoError(t, f.store.CreatePost(context.Background(), post))
	noMedia := &models.Post{TextContent: storedText, CreatedAt: f.now.Add(-10 * day)}
	require.NoError(t, f.store.CreatePost(context.Background(), noMedia))

	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Invalid)
	f.gw.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
	f.gw.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, []int{3}, f.reload(t, post.ID).ChannelMessageIDs)
}

func TestPreviewHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	due := f.addPost(t, 10*day, []int{1})
	f.addPost(t, day, []int{2})

	posts, err := f.sched.Preview(context.Background())
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, due.ID, posts[0].ID)

	got := f.reload(t, due.ID)
	assert.Zero(t, got.RepostCount)
	assert.Equal(t, []int{1}, got.ChannelMessageIDs)
	f.gw.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
	f.gw.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.addPost(t, 10*day, nil)
	f.addPost(t, 8*day, nil)
	f.addPost(t, day, nil)

	stats, err := f.sched.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.Due)
	assert.Equal(t, 7*day, stats.Interval)
}

func TestPassesNeverOverlap(t *testing.T) {
	f := newFixture(t)
	f.addPost(t, 10*day, nil)

	var active, maxActive atomic.Int32
	f.gw.On("Publish", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			active.Add(-1)
		}).
		Return(nil, errors.New("gateway down"))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.sched.RunOnce(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
	f.gw.AssertNumberOfCalls(t, "Publish", 3)
}

func TestRunOnceWaitsForContext(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sched.pass.Acquire(context.Background(), 1))
	defer f.sched.pass.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.sched.RunOnce(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunTicksUntilCancelled(t *testing.T) {
	f := newFixture(t)
	f.addPost(t, 10*day, nil)
	f.sched.tick = 10 * time.Millisecond
	f.sched.startDelay = 0

	var publishes atomic.Int32
	f.gw.On("Publish", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { publishes.Add(1) }).
		Return(nil, errors.New("gateway down"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return publishes.Load() >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClassifyDelete(t *testing.T) {
	assert.Equal(t, Deleted, ClassifyDelete(nil))
	assert.Equal(t, AlreadyGone, ClassifyDelete(gone(1)))
	assert.Equal(t, Forbidden, ClassifyDelete(forbidden(1)))
	assert.Equal(t, OtherError, ClassifyDelete(errors.New("boom")))
	assert.Equal(t, "already_gone", AlreadyGone.String())
	assert.Equal(t, "skipped", Skipped.String())
}
