package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"bookbot/internal/database/models"
	"bookbot/internal/listing"
	"bookbot/internal/reconcile"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"gopkg.in/yaml.v3"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

var validFormats = []string{formatText, formatJSON, formatYAML}

func isValidFormat(format string) bool {
	for _, f := range validFormats {
		if f == format {
			return true
		}
	}
	return false
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

type postView struct {
	ID                int64      `json:"id" yaml:"id"`
	OwnerID           int64      `json:"owner_id" yaml:"owner_id"`
	Title             string     `json:"title" yaml:"title"`
	Media             int        `json:"media" yaml:"media"`
	CreatedAt         time.Time  `json:"created_at" yaml:"created_at"`
	AgeDays           int        `json:"age_days" yaml:"age_days"`
	RepostCount       int        `json:"repost_count" yaml:"repost_count"`
	LastRepost        *time.Time `json:"last_repost,omitempty" yaml:"last_repost,omitempty"`
	ChannelMessageIDs []int      `json:"channel_message_ids" yaml:"channel_message_ids"`
}

type recordView struct {
	PostID       int64    `json:"post_id" yaml:"post_id"`
	Status       string   `json:"status" yaml:"status"`
	Deletes      []string `json:"deletes,omitempty" yaml:"deletes,omitempty"`
	PublishedIDs []int    `json:"published_ids,omitempty" yaml:"published_ids,omitempty"`
	Error        string   `json:"error,omitempty" yaml:"error,omitempty"`
}

type reportView struct {
	RunID       string         `json:"run_id" yaml:"run_id"`
	StartedAt   time.Time      `json:"started_at" yaml:"started_at"`
	FinishedAt  time.Time      `json:"finished_at" yaml:"finished_at"`
	Due         int            `json:"due" yaml:"due"`
	Republished int            `json:"republished" yaml:"republished"`
	Skipped     int            `json:"skipped" yaml:"skipped"`
	Failed      int            `json:"failed" yaml:"failed"`
	Invalid     int            `json:"invalid" yaml:"invalid"`
	Deletes     map[string]int `json:"deletes" yaml:"deletes"`
	Records     []recordView   `json:"records" yaml:"records"`
}

type statsView struct {
	Total        int64 `json:"total" yaml:"total"`
	Due          int64 `json:"due" yaml:"due"`
	IntervalDays int   `json:"interval_days" yaml:"interval_days"`
}

func newPostView(p models.Post, now time.Time) postView {
	ids := p.ChannelMessageIDs
	if ids == nil {
		ids = []int{}
	}
	return postView{
		ID:                p.ID,
		OwnerID:           p.UserID,
		Title:             listing.Title(p.TextContent),
		Media:             len(p.FileIDs),
		CreatedAt:         p.CreatedAt.UTC(),
		AgeDays:           int(p.Age(now).Hours() / 24),
		RepostCount:       p.RepostCount,
		LastRepost:        p.LastRepost,
		ChannelMessageIDs: ids,
	}
}

func newReportView(r reconcile.Report) reportView {
	v := reportView{
		RunID:       r.RunID.String(),
		StartedAt:   r.StartedAt.UTC(),
		FinishedAt:  r.FinishedAt.UTC(),
		Due:         r.Due,
		Republished: r.Republished,
		Skipped:     r.Skipped,
		Failed:      r.Failed,
		Invalid:     r.Invalid,
		Deletes:     make(map[string]int, len(r.Deletes)),
		Records:     make([]recordView, 0, len(r.Records)),
	}
	for outcome, n := range r.Deletes {
		v.Deletes[outcome.String()] = n
	}
	for _, rec := range r.Records {
		rv := recordView{
			PostID:       rec.PostID,
			Status:       rec.Status.String(),
			PublishedIDs: rec.PublishedIDs,
		}
		for _, d := range rec.Deletes {
			rv.Deletes = append(rv.Deletes, d.String())
		}
		if rec.Err != nil {
			rv.Error = rec.Err.Error()
		}
		v.Records = append(v.Records, rv)
	}
	return v
}

// encode writes v as JSON or YAML. It reports false for the text format.
func encode(w io.Writer, format string, v any) (bool, error) {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	}
	return false, nil
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func renderPosts(w io.Writer, format string, posts []models.Post, now time.Time) error {
	views := make([]postView, 0, len(posts))
	for _, p := range posts {
		views = append(views, newPostView(p, now))
	}
	if done, err := encode(w, format, views); done {
		return err
	}

	if len(views) == 0 {
		_, err := fmt.Fprintln(w, "no posts")
		return err
	}
	t := newTable("ID", "TITLE", "MEDIA", "AGE", "REPOSTS", "CHANNEL IDS")
	for _, v := range views {
		t.Row(
			strconv.FormatInt(v.ID, 10),
			v.Title,
			strconv.Itoa(v.Media),
			fmt.Sprintf("%dd", v.AgeDays),
			strconv.Itoa(v.RepostCount),
			joinInts(v.ChannelMessageIDs),
		)
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func renderReport(w io.Writer, format string, r reconcile.Report) error {
	v := newReportView(r)
	if done, err := encode(w, format, v); done {
		return err
	}

	if _, err := fmt.Fprintf(w, "run %s: due %d, republished %d, skipped %d, failed %d, invalid %d (%s)\n",
		v.RunID, v.Due, v.Republished, v.Skipped, v.Failed, v.Invalid,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond)); err != nil {
		return err
	}
	if len(v.Records) == 0 {
		return nil
	}
	t := newTable("POST", "STATUS", "DELETES", "NEW IDS", "ERROR")
	for _, rec := range v.Records {
		t.Row(
			strconv.FormatInt(rec.PostID, 10),
			rec.Status,
			strings.Join(rec.Deletes, ","),
			joinInts(rec.PublishedIDs),
			rec.Error,
		)
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func renderStats(w io.Writer, format string, s reconcile.Stats) error {
	v := statsView{Total: s.Total, Due: s.Due, IntervalDays: int(s.Interval.Hours() / 24)}
	if done, err := encode(w, format, v); done {
		return err
	}
	_, err := fmt.Fprintf(w, "total posts: %d\ndue for repost: %d\nrepost interval: %d days\n",
		v.Total, v.Due, v.IntervalDays)
	return err
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}
