package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"bookbot/internal/database"
	"bookbot/internal/database/models"
	"bookbot/internal/reconcile"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const caption = "Title\nAuthor\n200\nGood\nHard\n2020\nNone\n50"

// setupCLI points the CLI at a fresh SQLite file holding one old published
// post and one new post, and returns the database path.
func setupCLI(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cli.db")
	for key, value := range map[string]string{
		"DATABASE_URL":         path,
		"TELEGRAM_BOT_TOKEN":   "",
		"CHANNEL_ID":           "",
		"SENTRY_DSN":           "",
		"DEBUG":                "false",
		"LANGUAGE":             "en",
		"REPOST_INTERVAL_DAYS": "7",
	} {
		t.Setenv(key, value)
	}

	ctx := context.Background()
	repo, err := database.OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer repo.Close(ctx)
	require.NoError(t, repo.Migrate(ctx))

	now := time.Now().UTC()
	require.NoError(t, repo.CreatePost(ctx, &models.Post{
		UserID:            7,
		MessageID:         70,
		TextContent:       caption,
		FileIDs:           []string{"a", "b"},
		ChannelMessageIDs: []int{11, 12},
		CreatedAt:         now.Add(-10 * 24 * time.Hour),
	}))
	require.NoError(t, repo.CreatePost(ctx, &models.Post{
		UserID:      8,
		MessageID:   80,
		TextContent: "Other\nAuthor\n1\n2\n3\n4\n5\n6",
		FileIDs:     []string{"c"},
		CreatedAt:   now,
	}))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	a := &app{}
	cmd := newRootCommand(a)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	a.close()
	return out.String(), err
}

func TestPostsListJSON(t *testing.T) {
	setupCLI(t)

	out, err := runCLI(t, "posts", "list", "--format", "json")
	require.NoError(t, err)

	var got []postView
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	want := []postView{
		{ID: 2, OwnerID: 8, Title: "Other", Media: 1, ChannelMessageIDs: []int{}},
		{ID: 1, OwnerID: 7, Title: "Title", Media: 2, AgeDays: 10, ChannelMessageIDs: []int{11, 12}},
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(postView{}, "CreatedAt")); diff != "" {
		t.Errorf("posts list mismatch (-want +got):\n%s", diff)
	}
}

func TestPostsListLimitAndText(t *testing.T) {
	setupCLI(t)

	out, err := runCLI(t, "posts", "list", "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Other")
	assert.NotContains(t, out, "Title ")

	_, err = runCLI(t, "posts", "list", "--limit", "0")
	assert.Error(t, err)
}

func TestReconcileDryRunListsDuePosts(t *testing.T) {
	setupCLI(t)

	out, err := runCLI(t, "reconcile", "--dry-run", "--format", "yaml")
	require.NoError(t, err)

	var got []postView
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, []int{11, 12}, got[0].ChannelMessageIDs)
}

func TestReconcileWithoutTokenFails(t *testing.T) {
	setupCLI(t)

	_, err := runCLI(t, "reconcile")
	assert.ErrorContains(t, err, "TELEGRAM_BOT_TOKEN")
}

func TestStatsYAML(t *testing.T) {
	setupCLI(t)

	out, err := runCLI(t, "stats", "--format", "yaml")
	require.NoError(t, err)

	var got statsView
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, statsView{Total: 2, Due: 1, IntervalDays: 7}, got)
}

func TestPostsDelete(t *testing.T) {
	path := setupCLI(t)

	out, err := runCLI(t, "posts", "delete", "1")
	require.NoError(t, err)
	assert.Equal(t, "deleted post 1\n", out)

	ctx := context.Background()
	repo, err := database.OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer repo.Close(ctx)
	_, err = repo.GetPost(ctx, 1)
	assert.True(t, errors.Is(err, database.ErrPostNotFound))

	_, err = runCLI(t, "posts", "delete", "1")
	assert.ErrorContains(t, err, "does not exist")
	_, err = runCLI(t, "posts", "delete", "abc")
	assert.Error(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	setupCLI(t)

	for i := 0; i < 2; i++ {
		out, err := runCLI(t, "migrate")
		require.NoError(t, err)
		assert.Equal(t, "sqlite schema is up to date\n", out)
	}
}

func TestInvalidFormatIsRejected(t *testing.T) {
	setupCLI(t)

	_, err := runCLI(t, "stats", "--format", "xml")
	assert.ErrorContains(t, err, "invalid format")
}

func TestRenderReportText(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	report := reconcile.Report{
		RunID:       uuid.MustParse("6f1c2a9e-0000-4000-8000-000000000001"),
		StartedAt:   started,
		FinishedAt:  started.Add(1500 * time.Millisecond),
		Due:         2,
		Republished: 1,
		Skipped:     1,
		Deletes:     map[reconcile.DeleteOutcome]int{reconcile.Deleted: 1, reconcile.AlreadyGone: 2},
		Records: []reconcile.RecordResult{
			{PostID: 4, Status: reconcile.Republished, Deletes: []reconcile.DeleteOutcome{reconcile.Deleted}, PublishedIDs: []int{90}},
			{PostID: 5, Status: reconcile.Skipped, Deletes: []reconcile.DeleteOutcome{reconcile.AlreadyGone, reconcile.AlreadyGone}},
		},
	}

	var text bytes.Buffer
	require.NoError(t, renderReport(&text, formatText, report))
	assert.Contains(t, text.String(), "run 6f1c2a9e-0000-4000-8000-000000000001: due 2, republished 1, skipped 1, failed 0, invalid 0 (1.5s)")
	assert.Contains(t, text.String(), "republished")
	assert.Contains(t, text.String(), "90")

	var js bytes.Buffer
	require.NoError(t, renderReport(&js, formatJSON, report))
	var got reportView
	require.NoError(t, json.Unmarshal(js.Bytes(), &got))
	assert.Equal(t, map[string]int{reconcile.Deleted.String(): 1, reconcile.AlreadyGone.String(): 2}, got.Deletes)
	require.Len(t, got.Records, 2)
	assert.Equal(t, "skipped", got.Records[1].Status)
}
