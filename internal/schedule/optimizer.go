// Package schedule assigns future posting slots that maximize predicted
// engagement while respecting spacing between posts.
package schedule

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"postpilot/internal/model"
)

// businessPenalty is applied to slots outside 09:00-17:00 UTC for content
// aimed at a business audience.
const businessPenalty = 0.7

// Bucket is an hour-of-day aggregate of historical engagement.
type Bucket struct {
	Hour           int
	MeanEngagement float64
	Samples        int
}

// WeekdayStats summarizes engagement for one weekday.
type WeekdayStats struct {
	Mean float64
	Max  float64
}

// TypeStats summarizes how well a content type has performed.
type TypeStats struct {
	SuccessRate float64
}

// Patterns is the externally supplied engagement history for a platform.
type Patterns struct {
	Hourly  []Bucket
	Weekday map[time.Weekday]WeekdayStats
	Types   map[model.ContentType]TypeStats
}

// StatsProvider supplies historical engagement aggregates. Implementations
// live outside this package (analytics is an external collaborator).
type StatsProvider interface {
	EngagementPatterns(ctx context.Context, platform model.Platform) (*Patterns, error)
}

// HistorySource supplies recent posts so candidate slots keep their distance
// from what was already published or booked.
type HistorySource interface {
	RecentPosts(ctx context.Context, platform model.Platform, since time.Time) ([]model.Post, error)
}

// Policy is the per-platform scheduling policy.
type Policy struct {
	MinInterval time.Duration
	Lookback    time.Duration
}

// DefaultPolicy applies to platforms without explicit configuration.
var DefaultPolicy = Policy{
	MinInterval: 2 * time.Hour,
	Lookback:    24 * time.Hour,
}

// Entry is one slot in a generated schedule.
type Entry struct {
	Content      model.Content
	Platform     model.Platform
	ScheduledFor time.Time
	Priority     int
	Prediction   float64
}

// Optimizer chooses posting times from engagement history. The assignment in
// BuildSchedule is greedy and order-dependent; with tens of pending posts
// that beats a global search on speed and is close enough on quality.
type Optimizer struct {
	store    HistorySource
	stats    StatsProvider
	policies map[model.Platform]Policy
	log      *slog.Logger
	now      func() time.Time
}

// New creates an Optimizer.
func New(store HistorySource, stats StatsProvider, policies map[model.Platform]Policy, log *slog.Logger) *Optimizer {
	cp := make(map[model.Platform]Policy, len(policies))
	for p, pol := range policies {
		cp[p] = pol
	}
	return &Optimizer{
		store:    store,
		stats:    stats,
		policies: cp,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the clock (useful for testing).
func (o *Optimizer) SetNow(now func() time.Time) {
	o.now = now
}

// OptimalTime returns the best future posting time for the content on the
// platform. Without historical data it falls back to one hour from now.
func (o *Optimizer) OptimalTime(ctx context.Context, platform model.Platform, content model.Content) (time.Time, error) {
	t, _, err := o.optimalTime(ctx, platform, content)
	return t, err
}

// optimalTime also returns the engagement prediction behind the choice.
func (o *Optimizer) optimalTime(ctx context.Context, platform model.Platform, content model.Content) (time.Time, float64, error) {
	now := o.now()
	fallback := now.Add(time.Hour)

	patterns, err := o.stats.EngagementPatterns(ctx, platform)
	if err != nil {
		o.log.Warn("fetch engagement patterns", "platform", platform, "error", err)
		return fallback, 0, nil
	}
	if patterns == nil || len(patterns.Hourly) == 0 {
		return fallback, 0, nil
	}

	policy := o.policyFor(platform)
	recent, err := o.store.RecentPosts(ctx, platform, now.Add(-policy.Lookback))
	if err != nil {
		o.log.Warn("fetch recent posts", "platform", platform, "error", err)
		return fallback, 0, nil
	}

	buckets := make([]Bucket, len(patterns.Hourly))
	copy(buckets, patterns.Hourly)
	sort.SliceStable(buckets, func(i, j int) bool {
		return buckets[i].MeanEngagement > buckets[j].MeanEngagement
	})

	bestTime := fallback
	bestScore := -1.0
	for _, bucket := range buckets {
		candidate := nextAtHour(now, bucket.Hour)
		if !o.respectsIntervals(candidate, recent, policy.MinInterval) {
			continue
		}
		score := o.scoreSlot(candidate, bucket.MeanEngagement, content, patterns)
		if score > bestScore {
			bestScore = score
			bestTime = candidate
		}
	}
	if bestScore < 0 {
		return fallback, 0, nil
	}
	return bestTime, bestScore, nil
}

// BuildSchedule assigns a slot to every (content, platform) pair, highest
// priority first. Slots colliding within one hour on the same platform are
// pushed forward hour by hour until free. The result is sorted by time.
func (o *Optimizer) BuildSchedule(ctx context.Context, contents []model.Content) ([]Entry, error) {
	sorted := make([]model.Content, len(contents))
	copy(sorted, contents)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	assigned := make(map[model.Platform][]time.Time)
	var entries []Entry
	for _, content := range sorted {
		for _, platform := range content.Platforms {
			slot, prediction, err := o.optimalTime(ctx, platform, content)
			if err != nil {
				return nil, err
			}
			for collides(slot, assigned[platform]) {
				slot = slot.Add(time.Hour)
			}
			assigned[platform] = append(assigned[platform], slot)
			entries = append(entries, Entry{
				Content:      content,
				Platform:     platform,
				ScheduledFor: slot,
				Priority:     content.Priority,
				Prediction:   prediction,
			})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].ScheduledFor.Before(entries[j].ScheduledFor)
	})
	return entries, nil
}

// respectsIntervals reports whether the candidate keeps the minimum distance
// from every posted or booked slot in the window.
func (o *Optimizer) respectsIntervals(candidate time.Time, recent []model.Post, minInterval time.Duration) bool {
	for _, post := range recent {
		var at *time.Time
		switch {
		case post.PostedAt != nil:
			at = post.PostedAt
		case post.ScheduledFor != nil:
			at = post.ScheduledFor
		default:
			continue
		}
		if absDuration(candidate.Sub(*at)) < minInterval {
			return false
		}
	}
	return true
}

// scoreSlot adjusts the bucket's raw engagement by weekday performance,
// content-type success rate and the business-hours penalty.
func (o *Optimizer) scoreSlot(slot time.Time, base float64, content model.Content, patterns *Patterns) float64 {
	score := base

	if ws, ok := patterns.Weekday[slot.Weekday()]; ok && ws.Max > 0 {
		score *= ws.Mean / ws.Max
	}
	if ts, ok := patterns.Types[contentTypeOf(content)]; ok {
		score *= ts.SuccessRate
	}
	if content.Audience == model.AudienceBusiness {
		hour := slot.Hour()
		if hour < 9 || hour > 17 {
			score *= businessPenalty
		}
	}
	return score
}

func (o *Optimizer) policyFor(platform model.Platform) Policy {
	if policy, ok := o.policies[platform]; ok {
		return policy
	}
	return DefaultPolicy
}

// contentTypeOf returns the declared type, or classifies from the body.
func contentTypeOf(content model.Content) model.ContentType {
	if content.Type != "" {
		return content.Type
	}
	body := strings.ToLower(content.Body)
	switch {
	case strings.Contains(body, "http://") || strings.Contains(body, "https://") || strings.Contains(body, "www."):
		return model.TypeLink
	case len(content.Body) > 280:
		return model.TypeLongForm
	default:
		return model.TypeText
	}
}

// nextAtHour returns the next future timestamp whose hour of day matches.
func nextAtHour(now time.Time, hour int) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !candidate.After(now) {
		candidate = candidate.Add(24 * time.Hour)
	}
	return candidate
}

func collides(slot time.Time, taken []time.Time) bool {
	for _, t := range taken {
		if absDuration(slot.Sub(t)) < time.Hour {
			return true
		}
	}
	return false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
