package publish

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"bookbot/internal/database"
	"bookbot/internal/listing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const validCaption = "Title\nAuthor\n200\nGood\nHard\n2020\nNone\n50"

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

type plainFormatter struct{}

func (plainFormatter) Format(f listing.Fields) string {
	return f.Canonical() + "\nprice: " + f.Price
}

func newStore(t *testing.T) database.PostRepository {
	t.Helper()
	ctx := context.Background()
	repo, err := database.OpenSQLite(ctx, filepath.Join(t.TempDir(), "posts.db"))
	require.NoError(t, err)
	require.NoError(t, repo.Migrate(ctx))
	t.Cleanup(func() { _ = repo.Close(ctx) })
	return repo
}

func newCoordinator(t *testing.T, store Store, gw Gateway, opts Options) *Coordinator {
	t.Helper()
	return NewCoordinator(store, gw, plainFormatter{}, opts, zaptest.NewLogger(t))
}

func TestPublishStoresPublishedIDs(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	gw := new(mockGateway)
	gw.On("Publish", mock.Anything, mock.MatchedBy(func(text string) bool {
		return strings.Contains(text, "Title") && strings.Contains(text, "price: 50")
	}), []string{"a", "b"}).Return([]int{11, 12}, nil).Once()

	res := newCoordinator(t, store, gw, Options{}).Publish(ctx, Submission{
		OwnerID: 7, SourceMessageID: 3, Caption: validCaption, MediaRefs: []string{"a", "b"},
	})
	require.Equal(t, Published, res.Outcome, res.Err)
	assert.Equal(t, 2, res.MediaCount)

	post, err := store.GetPost(ctx, res.PostID)
	require.NoError(t, err)
	assert.Equal(t, []int{11, 12}, post.ChannelMessageIDs)
	assert.Equal(t, []string{"a", "b"}, post.FileIDs)
	assert.Equal(t, validCaption, post.TextContent)
	assert.Equal(t, int64(7), post.UserID)
	gw.AssertExpectations(t)
}

func TestPublishRejectsBeforeCreatingRecord(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	gw := new(mockGateway)

	c := newCoordinator(t, store, gw, Options{})
	res := c.Publish(ctx, Submission{OwnerID: 1, Caption: "Title\nAuthor", MediaRefs: []string{"a"}})
	assert.Equal(t, Rejected, res.Outcome)
	assert.ErrorIs(t, res.Err, listing.ErrTooFewLines)

	res = c.Publish(ctx, Submission{OwnerID: 1, Caption: "  ", MediaRefs: []string{"a"}})
	assert.Equal(t, Rejected, res.Outcome)
	assert.ErrorIs(t, res.Err, listing.ErrNoCaption)

	n, err := store.CountPosts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	gw.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestPublishRejectsOverlongPost(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	gw := new(mockGateway)

	notes := strings.Repeat("x", listing.MaxCaptionLength)
	caption := "Title\nAuthor\n200\nGood\nHard\n2020\n" + notes + "\n50"
	res := newCoordinator(t, store, gw, Options{}).Publish(ctx, Submission{
		OwnerID: 1, Caption: caption, MediaRefs: []string{"a"},
	})
	assert.Equal(t, Rejected, res.Outcome)
	assert.ErrorIs(t, res.Err, listing.ErrTooLong)
	assert.Empty(t, res.RetryToken)

	n, err := store.CountPosts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	gw.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestPublishFailureKeepsRecordWithoutIDs(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	gw := new(mockGateway)
	gw.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("bad gateway")).Once()

	res := newCoordinator(t, store, gw, Options{}).Publish(ctx, Submission{
		OwnerID: 1, Caption: validCaption, MediaRefs: []string{"photo-1"},
	})
	require.Equal(t, TransientFailure, res.Outcome)
	assert.Equal(t, Token("photo-1"), res.RetryToken)
	assert.Len(t, res.RetryToken, tokenLength)

	post, err := store.GetPost(ctx, res.PostID)
	require.NoError(t, err)
	assert.False(t, post.Published())
	assert.Equal(t, []string{"photo-1"}, post.FileIDs)
}

func TestPublishTimesOut(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	gw := new(mockGateway)
	gw.On("Publish", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded).Once()

	start := time.Now()
	res := newCoordinator(t, store, gw, Options{Timeout: 50 * time.Millisecond}).Publish(ctx, Submission{
		OwnerID: 1, Caption: validCaption, MediaRefs: []string{"a"},
	})
	assert.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, TransientFailure, res.Outcome)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)

	post, err := store.GetPost(ctx, res.PostID)
	require.NoError(t, err)
	assert.Empty(t, post.ChannelMessageIDs)
}

func TestRetryPublishesStoredRecord(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	gw := new(mockGateway)
	gw.On("Publish", mock.Anything, mock.Anything, []string{"x", "y"}).Return(nil, errors.New("timeout")).Once()
	gw.On("Publish", mock.Anything, mock.Anything, []string{"x", "y"}).Return([]int{40, 41}, nil).Once()

	c := newCoordinator(t, store, gw, Options{})
	first := c.Publish(ctx, Submission{OwnerID: 1, Caption: validCaption, MediaRefs: []string{"x", "y"}})
	require.Equal(t, TransientFailure, first.Outcome)

	res := c.Retry(ctx, first.RetryToken)
	require.Equal(t, Published, res.Outcome, res.Err)
	assert.Equal(t, first.PostID, res.PostID)
	assert.False(t, res.AlreadyPublished)

	post, err := store.GetPost(ctx, first.PostID)
	require.NoError(t, err)
	assert.Equal(t, []int{40, 41}, post.ChannelMessageIDs)

	again := c.Retry(ctx, first.RetryToken)
	assert.ErrorIs(t, again.Err, ErrTokenExpired)
	gw.AssertNumberOfCalls(t, "Publish", 2)
}

func TestRetryOfPublishedRecordDoesNotRepublish(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	gw := new(mockGateway)
	gw.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("timeout")).Once()

	c := newCoordinator(t, store, gw, Options{})
	first := c.Publish(ctx, Submission{OwnerID: 1, Caption: validCaption, MediaRefs: []string{"x"}})
	require.NoError(t, store.SetPublishedIDs(ctx, first.PostID, []int{9}))

	res := c.Retry(ctx, first.RetryToken)
	assert.Equal(t, Published, res.Outcome)
	assert.True(t, res.AlreadyPublished)
	gw.AssertNumberOfCalls(t, "Publish", 1)
}

func TestRetryUnknownToken(t *testing.T) {
	c := newCoordinator(t, newStore(t), new(mockGateway), Options{})
	res := c.Retry(context.Background(), "deadbeef")
	assert.Equal(t, TransientFailure, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrTokenExpired)
}

func TestRetryTokenExpires(t *testing.T) {
	ctx := context.Background()
	gw := new(mockGateway)
	gw.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("timeout")).Once()

	c := newCoordinator(t, newStore(t), gw, Options{TokenTTL: 20 * time.Millisecond})
	first := c.Publish(ctx, Submission{OwnerID: 1, Caption: validCaption, MediaRefs: []string{"x"}})
	require.Equal(t, TransientFailure, first.Outcome)

	time.Sleep(60 * time.Millisecond)
	res := c.Retry(ctx, first.RetryToken)
	assert.ErrorIs(t, res.Err, ErrTokenExpired)
}

func TestConcurrentRetriesShareOneAttempt(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	gw := new(mockGateway)
	gw.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("timeout")).Once()

	c := newCoordinator(t, store, gw, Options{})
	first := c.Publish(ctx, Submission{OwnerID: 1, Caption: validCaption, MediaRefs: []string{"x"}})
	require.Equal(t, TransientFailure, first.Outcome)

	release := make(chan struct{})
	gw.On("Publish", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return([]int{5}, nil)

	const callers = 5
	var wg sync.WaitGroup
	results := make([]Result, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Retry(ctx, first.RetryToken)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	gw.AssertNumberOfCalls(t, "Publish", 2)
	for _, r := range results {
		if r.Err != nil {
			assert.ErrorIs(t, r.Err, ErrTokenExpired)
			continue
		}
		assert.Equal(t, Published, r.Outcome)
	}
}

func TestToken(t *testing.T) {
	assert.Equal(t, Token("same"), Token("same"))
	assert.NotEqual(t, Token("a"), Token("b"))
	assert.Len(t, Token(""), tokenLength)
}
