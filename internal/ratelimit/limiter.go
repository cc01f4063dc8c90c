// Package ratelimit enforces per-platform posting caps over rolling hour and
// day windows.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"postpilot/internal/model"
)

// maxHistory bounds the retained post timestamps per platform.
const maxHistory = 1000

// Limits configures the caps for one platform.
type Limits struct {
	PostsPerHour int
	PostsPerDay  int
	MinInterval  time.Duration
}

// DefaultLimits is the conservative fallback for platforms without
// configuration: one post per hour.
var DefaultLimits = Limits{
	PostsPerHour: 1,
	PostsPerDay:  8,
	MinInterval:  time.Hour,
}

// window tracks posting activity for one platform. The hour and day windows
// are rolling, anchored at the last reset rather than aligned to the clock.
type window struct {
	mu         sync.Mutex
	timestamps []time.Time
	hourly     int
	daily      int
	hourStart  time.Time
	dayStart   time.Time
}

// Limiter decides whether another post may be dispatched to a platform right
// now. One long-lived instance per process; safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	limits  map[model.Platform]Limits
	windows map[model.Platform]*window
	now     func() time.Time
}

// New creates a Limiter. Platforms absent from limits fall back to
// DefaultLimits.
func New(limits map[model.Platform]Limits) *Limiter {
	cp := make(map[model.Platform]Limits, len(limits))
	for p, l := range limits {
		cp[p] = l
	}
	return &Limiter{
		limits:  cp,
		windows: make(map[model.Platform]*window),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the clock (useful for testing).
func (l *Limiter) SetNow(now func() time.Time) {
	l.now = now
}

// PostedSource supplies historical posted timestamps for rehydration.
type PostedSource interface {
	PostedTimes(ctx context.Context, platform model.Platform, since time.Time) ([]time.Time, error)
}

// Rehydrate rebuilds the in-memory windows from posted rows in the store,
// so counters survive a process restart. Windows are anchored at the oldest
// counted timestamp, not at startup, so a restart does not extend a window
// beyond its rolling span.
func (l *Limiter) Rehydrate(ctx context.Context, store PostedSource) error {
	now := l.now()
	for _, platform := range model.Platforms() {
		times, err := store.PostedTimes(ctx, platform, now.Add(-24*time.Hour))
		if err != nil {
			return fmt.Errorf("rehydrate %s: %w", platform, err)
		}
		w := l.window(platform)
		w.mu.Lock()
		w.timestamps = times
		w.hourly = 0
		w.daily = len(times)
		w.hourStart = now
		w.dayStart = now
		if len(times) > 0 {
			// times arrive oldest first.
			w.dayStart = times[0]
		}
		for _, t := range times {
			if now.Sub(t) < time.Hour {
				if w.hourly == 0 {
					w.hourStart = t
				}
				w.hourly++
			}
		}
		w.mu.Unlock()
	}
	return nil
}

// CanPost reports whether a post to the platform is allowed right now.
func (l *Limiter) CanPost(platform model.Platform) bool {
	limits := l.limitsFor(platform)
	w := l.window(platform)
	now := l.now()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll(now)

	if n := len(w.timestamps); n > 0 && now.Sub(w.timestamps[n-1]) < limits.MinInterval {
		return false
	}
	if w.hourly >= limits.PostsPerHour {
		return false
	}
	if w.daily >= limits.PostsPerDay {
		return false
	}
	return true
}

// RecordPost counts a successful dispatch. Call exactly once per confirmed
// post, after the platform reports success.
func (l *Limiter) RecordPost(platform model.Platform) {
	w := l.window(platform)
	now := l.now()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll(now)

	w.timestamps = append(w.timestamps, now)
	if len(w.timestamps) > maxHistory {
		w.timestamps = w.timestamps[len(w.timestamps)-maxHistory:]
	}
	w.hourly++
	w.daily++
}

// WaitSeconds returns how long the caller must wait before the next post to
// the platform is allowed, in whole seconds. Zero means allowed now.
func (l *Limiter) WaitSeconds(platform model.Platform) int {
	limits := l.limitsFor(platform)
	w := l.window(platform)
	now := l.now()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll(now)

	var wait time.Duration
	if n := len(w.timestamps); n > 0 {
		if since := now.Sub(w.timestamps[n-1]); since < limits.MinInterval {
			wait = limits.MinInterval - since
		}
	}
	if w.hourly >= limits.PostsPerHour {
		if d := time.Hour - now.Sub(w.hourStart); d > wait {
			wait = d
		}
	}
	if w.daily >= limits.PostsPerDay {
		if d := 24*time.Hour - now.Sub(w.dayStart); d > wait {
			wait = d
		}
	}
	if wait <= 0 {
		return 0
	}
	return int(math.Ceil(wait.Seconds()))
}

func (l *Limiter) limitsFor(platform model.Platform) Limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limits, ok := l.limits[platform]; ok {
		return limits
	}
	return DefaultLimits
}

func (l *Limiter) window(platform model.Platform) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[platform]
	if !ok {
		now := l.now()
		w = &window{hourStart: now, dayStart: now}
		l.windows[platform] = w
	}
	return w
}

// roll resets elapsed windows and evicts timestamps older than a day.
// Callers hold w.mu.
func (w *window) roll(now time.Time) {
	if now.Sub(w.hourStart) >= time.Hour {
		w.hourly = 0
		w.hourStart = now
	}
	if now.Sub(w.dayStart) >= 24*time.Hour {
		w.daily = 0
		w.dayStart = now
	}
	cutoff := now.Add(-24 * time.Hour)
	i := 0
	for i < len(w.timestamps) && w.timestamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = w.timestamps[i:]
	}
}
