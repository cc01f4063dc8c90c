package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"postpilot/internal/model"
	"postpilot/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db  *sql.DB
	log *slog.Logger
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string, log *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db, log: log}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreatePost inserts a new post and populates its ID and timestamps.
// The platform must be in the closed enum and the status, when set, must be
// a known lifecycle state; an unset status defaults to pending.
func (s *SQLite) CreatePost(ctx context.Context, post *model.Post) error {
	if !post.Platform.Valid() {
		return fmt.Errorf("%w: %q", model.ErrInvalidPlatform, post.Platform)
	}
	if post.Status == "" {
		post.Status = model.StatusPending
	}
	if !post.Status.Valid() {
		return fmt.Errorf("%w: %q", model.ErrInvalidStatus, post.Status)
	}

	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO posts (platform, content_hash, title, body, source_url, status,
		                    scheduled_for, posted_at, remote_post_id, remote_url,
		                    error_message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(post.Platform), post.ContentHash, post.Title, post.Body, post.SourceURL,
		string(post.Status), formatNullableTime(post.ScheduledFor), formatNullableTime(post.PostedAt),
		post.RemotePostID, post.RemoteURL, post.ErrorMessage, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	post.ID = id
	post.CreatedAt, _ = time.Parse(timeLayout, now)
	post.UpdatedAt = post.CreatedAt
	return nil
}

// GetPost returns a single post by its ID.
func (s *SQLite) GetPost(ctx context.Context, id int64) (*model.Post, error) {
	row := s.db.QueryRowContext(ctx, selectPosts+` WHERE id = ?`, id)
	post, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("post %d: %w", id, model.ErrNotFound)
	}
	return post, err
}

// UpdatePostStatus transitions a post to the given status and records an
// error message when one is supplied. Terminal rows refuse further
// transitions. An out-of-order transition between non-terminal states is
// logged and applied anyway: upstream callers are trusted, and crash
// recovery may legitimately replay a step.
func (s *SQLite) UpdatePostStatus(ctx context.Context, id int64, status model.Status, errMsg string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", model.ErrInvalidStatus, status)
	}

	current, err := s.GetPost(ctx, id)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return fmt.Errorf("post %d is %s: %w", id, current.Status, model.ErrInvalidStatus)
	}
	if !model.ValidTransition(current.Status, status) {
		s.log.Warn("out-of-order status transition",
			"post_id", id, "from", current.Status, "to", status)
	}

	now := time.Now().UTC().Format(timeLayout)
	var postedAt any
	if status == model.StatusPosted {
		postedAt = now
	} else {
		postedAt = formatNullableTime(current.PostedAt)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE posts SET status = ?, error_message = CASE WHEN ? != '' THEN ? ELSE error_message END,
		                  posted_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(status), errMsg, errMsg, postedAt, now, id,
	)
	if err != nil {
		return fmt.Errorf("update post status: %w", err)
	}
	return nil
}

// MarkPosted transitions a post to posted and records the remote identity
// returned by the platform. Subject to the same leniency as UpdatePostStatus.
func (s *SQLite) MarkPosted(ctx context.Context, id int64, remoteID, remoteURL string) error {
	current, err := s.GetPost(ctx, id)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return fmt.Errorf("post %d is %s: %w", id, current.Status, model.ErrInvalidStatus)
	}
	if !model.ValidTransition(current.Status, model.StatusPosted) {
		s.log.Warn("out-of-order status transition",
			"post_id", id, "from", current.Status, "to", model.StatusPosted)
	}

	now := time.Now().UTC().Format(timeLayout)
	_, err = s.db.ExecContext(ctx,
		`UPDATE posts SET status = ?, remote_post_id = ?, remote_url = ?, posted_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(model.StatusPosted), remoteID, remoteURL, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark posted: %w", err)
	}
	return nil
}

// QueryPosts returns posts matching the filter, most recent first.
func (s *SQLite) QueryPosts(ctx context.Context, f Filter) ([]model.Post, error) {
	var conds []string
	var args []any
	if f.Platform != "" {
		if !f.Platform.Valid() {
			return nil, fmt.Errorf("%w: %q", model.ErrInvalidPlatform, f.Platform)
		}
		conds = append(conds, "platform = ?")
		args = append(args, string(f.Platform))
	}
	if f.Status != "" {
		if !f.Status.Valid() {
			return nil, fmt.Errorf("%w: %q", model.ErrInvalidStatus, f.Status)
		}
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(timeLayout))
	}

	q := selectPosts
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanPosts(rows)
}

// RecentPosts returns the published history for a platform: posted and
// scheduled rows created at or after since. Failed and in-flight rows are
// excluded, so a failed or skipped attempt never blocks a later retry of the
// same content, while a scheduled row still reserves it.
func (s *SQLite) RecentPosts(ctx context.Context, platform model.Platform, since time.Time) ([]model.Post, error) {
	if !platform.Valid() {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidPlatform, platform)
	}
	rows, err := s.db.QueryContext(ctx,
		selectPosts+` WHERE platform = ? AND status IN (?, ?) AND created_at >= ?
		 ORDER BY created_at DESC, id DESC`,
		string(platform), string(model.StatusPosted), string(model.StatusScheduled),
		since.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query recent posts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanPosts(rows)
}

// DuePosts returns scheduled posts whose scheduled time has arrived.
func (s *SQLite) DuePosts(ctx context.Context, now time.Time) ([]model.Post, error) {
	rows, err := s.db.QueryContext(ctx,
		selectPosts+` WHERE status = ? AND scheduled_for IS NOT NULL AND scheduled_for <= ?
		 ORDER BY scheduled_for, id`,
		string(model.StatusScheduled), now.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query due posts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanPosts(rows)
}

// PostedTimes returns the posted_at timestamps of successfully posted rows
// for a platform since the given time, oldest first. Used to rehydrate the
// rate limiter after a restart.
func (s *SQLite) PostedTimes(ctx context.Context, platform model.Platform, since time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT posted_at FROM posts
		 WHERE platform = ? AND status = ? AND posted_at IS NOT NULL AND posted_at >= ?
		 ORDER BY posted_at`,
		string(platform), string(model.StatusPosted), since.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query posted times: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var times []time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan posted time: %w", err)
		}
		t, err := time.Parse(timeLayout, raw)
		if err != nil {
			return nil, fmt.Errorf("parse posted time: %w", err)
		}
		times = append(times, t)
	}
	return times, rows.Err()
}

// UpsertMetrics creates or updates the metrics row for a post. Metrics are
// only accepted for posts that have reached the posted state; the derived
// fields are recalculated before writing.
func (s *SQLite) UpsertMetrics(ctx context.Context, m *model.Metrics) error {
	post, err := s.GetPost(ctx, m.PostID)
	if err != nil {
		return err
	}
	if post.Status != model.StatusPosted {
		return fmt.Errorf("post %d is %s, not posted: %w", m.PostID, post.Status, model.ErrInvalidStatus)
	}

	m.Recalculate()
	now := time.Now().UTC().Format(timeLayout)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO post_metrics (post_id, likes, comments, shares, views, clicks,
		                           engagement_rate, performance_score, first_tracked, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (post_id) DO UPDATE SET
		     likes = excluded.likes, comments = excluded.comments, shares = excluded.shares,
		     views = excluded.views, clicks = excluded.clicks,
		     engagement_rate = excluded.engagement_rate,
		     performance_score = excluded.performance_score,
		     last_updated = excluded.last_updated`,
		m.PostID, m.Likes, m.Comments, m.Shares, m.Views, m.Clicks,
		m.EngagementRate, m.PerformanceScore, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert metrics: %w", err)
	}
	return nil
}

// GetMetrics returns the metrics row for a post.
func (s *SQLite) GetMetrics(ctx context.Context, postID int64) (*model.Metrics, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT post_id, likes, comments, shares, views, clicks,
		        engagement_rate, performance_score, first_tracked, last_updated
		 FROM post_metrics WHERE post_id = ?`, postID,
	)
	var m model.Metrics
	var tracked, updated string
	err := row.Scan(&m.PostID, &m.Likes, &m.Comments, &m.Shares, &m.Views, &m.Clicks,
		&m.EngagementRate, &m.PerformanceScore, &tracked, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("metrics for post %d: %w", postID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan metrics: %w", err)
	}
	m.FirstTracked, _ = time.Parse(timeLayout, tracked)
	m.LastUpdated, _ = time.Parse(timeLayout, updated)
	return &m, nil
}

const selectPosts = `SELECT id, platform, content_hash, title, body, source_url, status,
       scheduled_for, posted_at, remote_post_id, remote_url, error_message,
       created_at, updated_at
 FROM posts`

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanPost(row scannable) (*model.Post, error) {
	var p model.Post
	var platform, status string
	var scheduled, posted sql.NullString
	var created, updated string
	err := row.Scan(&p.ID, &platform, &p.ContentHash, &p.Title, &p.Body, &p.SourceURL,
		&status, &scheduled, &posted, &p.RemotePostID, &p.RemoteURL, &p.ErrorMessage,
		&created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan post: %w", err)
	}
	p.Platform = model.Platform(platform)
	p.Status = model.Status(status)
	if scheduled.Valid {
		t, _ := time.Parse(timeLayout, scheduled.String)
		p.ScheduledFor = &t
	}
	if posted.Valid {
		t, _ := time.Parse(timeLayout, posted.String)
		p.PostedAt = &t
	}
	p.CreatedAt, _ = time.Parse(timeLayout, created)
	p.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return &p, nil
}

func scanPosts(rows *sql.Rows) ([]model.Post, error) {
	var posts []model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, *p)
	}
	return posts, rows.Err()
}
