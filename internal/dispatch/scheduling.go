package dispatch

import (
	"context"
	"errors"
	"fmt"

	"postpilot/internal/dedup"
	"postpilot/internal/model"
	"postpilot/internal/schedule"
)

// ScheduleBatch hands a batch of content to the optimizer and persists each
// assigned slot as a scheduled post row. Platforms where the content would
// already be a duplicate are dropped before slot assignment, so a scheduled
// row reserves its slot against later dispatches of the same content.
func (d *Dispatcher) ScheduleBatch(ctx context.Context, contents []model.Content) ([]schedule.Entry, error) {
	if d.optimizer == nil {
		return nil, errors.New("no optimizer configured")
	}

	filtered := make([]model.Content, 0, len(contents))
	for _, content := range contents {
		var platforms []model.Platform
		for _, platform := range content.Platforms {
			dup, err := d.dupes.IsDuplicate(ctx, platform, dedup.Candidate{
				Title: content.Title,
				Body:  content.Body,
				URL:   content.SourceURL,
			}, d.lookbackFor(platform))
			if err != nil {
				return nil, fmt.Errorf("dedup check for %s: %w", platform, err)
			}
			if dup {
				d.log.Info("not scheduling duplicate content",
					"platform", platform, "title", content.Title)
				continue
			}
			platforms = append(platforms, platform)
		}
		if len(platforms) == 0 {
			continue
		}
		c := content
		c.Platforms = platforms
		filtered = append(filtered, c)
	}

	entries, err := d.optimizer.BuildSchedule(ctx, filtered)
	if err != nil {
		return nil, fmt.Errorf("build schedule: %w", err)
	}

	for _, entry := range entries {
		slot := entry.ScheduledFor
		post := &model.Post{
			Platform:     entry.Platform,
			ContentHash:  dedup.Fingerprint(entry.Content.Title, entry.Content.Body),
			Title:        entry.Content.Title,
			Body:         entry.Content.Body,
			SourceURL:    entry.Content.SourceURL,
			Status:       model.StatusScheduled,
			ScheduledFor: &slot,
		}
		if err := d.store.CreatePost(ctx, post); err != nil {
			return nil, fmt.Errorf("persist schedule entry: %w", err)
		}
		d.log.Info("scheduled post",
			"platform", entry.Platform, "post_id", post.ID,
			"scheduled_for", slot, "prediction", entry.Prediction)
	}
	return entries, nil
}

// DispatchScheduled dispatches a due scheduled post. The dedup check already
// ran at scheduling time and the row itself now reserves the content, so
// only the rate limiter gates dispatch here. A rate-limited post keeps its
// scheduled status and is retried on a later tick.
func (d *Dispatcher) DispatchScheduled(ctx context.Context, post *model.Post) Result {
	log := d.log.With("platform", post.Platform, "post_id", post.ID)

	unlock := d.locks.lock(string(post.Platform) + "|" + post.ContentHash)
	defer unlock()

	if !d.limiter.CanPost(post.Platform) {
		wait := d.limiter.WaitSeconds(post.Platform)
		log.Info("due post deferred by rate limit", "wait_seconds", wait)
		return Result{
			Error:  fmt.Sprintf("rate limit reached for %s, retry in %ds", post.Platform, wait),
			PostID: post.ID,
		}
	}

	content := model.Content{
		Title:     post.Title,
		Body:      post.Body,
		SourceURL: post.SourceURL,
	}
	payload, err := d.format.Format(post.Platform, content)
	if err != nil {
		reason := fmt.Sprintf("format content: %v", err)
		d.recordFailure(ctx, log, post.ID, reason)
		return Result{Error: reason, PostID: post.ID}
	}

	return d.deliver(ctx, log, post.ID, post.Platform, payload)
}
