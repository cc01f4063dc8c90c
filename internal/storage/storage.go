// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"time"

	"postpilot/internal/model"
)

// Filter narrows a post query. Zero values leave the corresponding
// dimension unfiltered.
type Filter struct {
	Platform model.Platform
	Status   model.Status
	Since    time.Time
}

// Storage is the interface for all persistence operations. The Post Store is
// the single source of truth for the pipeline: every dispatch attempt leaves
// a row here, and the dedup engine and rate limiter read back from it.
type Storage interface {
	CreatePost(ctx context.Context, post *model.Post) error
	GetPost(ctx context.Context, id int64) (*model.Post, error)
	UpdatePostStatus(ctx context.Context, id int64, status model.Status, errMsg string) error
	MarkPosted(ctx context.Context, id int64, remoteID, remoteURL string) error
	QueryPosts(ctx context.Context, f Filter) ([]model.Post, error)
	// RecentPosts is the published history: posted and scheduled rows only.
	RecentPosts(ctx context.Context, platform model.Platform, since time.Time) ([]model.Post, error)
	DuePosts(ctx context.Context, now time.Time) ([]model.Post, error)
	PostedTimes(ctx context.Context, platform model.Platform, since time.Time) ([]time.Time, error)

	UpsertMetrics(ctx context.Context, m *model.Metrics) error
	GetMetrics(ctx context.Context, postID int64) (*model.Metrics, error)

	Close() error
}
