package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"postpilot/internal/model"
)

// DefaultThreshold is the title similarity score at or above which two
// titles count as the same item.
const DefaultThreshold = 0.8

// RecentSource supplies the post history the engine checks against:
// posted and scheduled rows only. Failed attempts must not appear here,
// or a skipped dispatch would block its own retry.
type RecentSource interface {
	RecentPosts(ctx context.Context, platform model.Platform, since time.Time) ([]model.Post, error)
}

// Candidate is the content being considered for publication. Empty fields
// skip their corresponding check.
type Candidate struct {
	Title string
	Body  string
	URL   string
}

// Engine checks candidates against recently published posts. Checks run in
// the order URL, title, content and stop at the first match.
type Engine struct {
	store     RecentSource
	sim       Similarity
	threshold float64
	log       *slog.Logger
}

// NewEngine creates an Engine with Jaccard title similarity at the default
// threshold.
func NewEngine(store RecentSource, log *slog.Logger) *Engine {
	return &Engine{
		store:     store,
		sim:       Jaccard{},
		threshold: DefaultThreshold,
		log:       log,
	}
}

// SetSimilarity replaces the title similarity function and its threshold.
func (e *Engine) SetSimilarity(sim Similarity, threshold float64) {
	e.sim = sim
	e.threshold = threshold
}

// IsDuplicate reports whether something near-identical to the candidate was
// already posted to the platform within the lookback window. An empty
// candidate or an empty history is never a duplicate.
func (e *Engine) IsDuplicate(ctx context.Context, platform model.Platform, c Candidate, lookback time.Duration) (bool, error) {
	if c.Title == "" && c.Body == "" && c.URL == "" {
		return false, nil
	}

	since := time.Now().UTC().Add(-lookback)
	posts, err := e.store.RecentPosts(ctx, platform, since)
	if err != nil {
		return false, fmt.Errorf("fetch recent posts: %w", err)
	}

	var hash string
	if c.Body != "" || c.Title != "" {
		hash = Fingerprint(c.Title, c.Body)
	}

	for _, post := range posts {
		if c.URL != "" && post.SourceURL != "" && c.URL == post.SourceURL {
			e.log.Debug("duplicate url", "platform", platform, "url", c.URL, "post_id", post.ID)
			return true, nil
		}
		if c.Title != "" && post.Title != "" {
			if score := e.sim.Score(c.Title, post.Title); score >= e.threshold {
				e.log.Debug("duplicate title", "platform", platform, "score", score, "post_id", post.ID)
				return true, nil
			}
		}
		if hash != "" && hash == post.ContentHash {
			e.log.Debug("duplicate content", "platform", platform, "post_id", post.ID)
			return true, nil
		}
	}
	return false, nil
}
