package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"postpilot/internal/dedup"
	"postpilot/internal/model"
	"postpilot/internal/ratelimit"
	"postpilot/internal/storage"
)

// fakeAdapter counts calls and can fail a configured number of times before
// succeeding, or fail every time with a fixed error.
type fakeAdapter struct {
	mu       sync.Mutex
	calls    int
	failures int
	err      error
	onCall   func()
	receipt  Receipt
}

func (f *fakeAdapter) Authenticate(context.Context) error { return nil }
func (f *fakeAdapter) CheckStatus(context.Context) bool   { return true }

func (f *fakeAdapter) PostContent(_ context.Context, _ Payload) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.onCall != nil {
		f.onCall()
	}
	if f.err != nil {
		return Receipt{}, f.err
	}
	if f.calls <= f.failures {
		return Receipt{}, errors.New("http 503")
	}
	return f.receipt, nil
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// openLimits allows effectively unthrottled posting.
var openLimits = ratelimit.Limits{PostsPerHour: 1000, PostsPerDay: 1000, MinInterval: 0}

func newTestDispatcher(t *testing.T, adapters map[model.Platform]Adapter, limits map[model.Platform]ratelimit.Limits) (*Dispatcher, storage.Storage) {
	t.Helper()
	log := discardLogger()

	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"), log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if limits == nil {
		limits = map[model.Platform]ratelimit.Limits{}
		for _, p := range model.Platforms() {
			limits[p] = openLimits
		}
	}

	d := New(store, dedup.NewEngine(store, log), ratelimit.New(limits), adapters, log)
	d.SetBackoffBase(time.Millisecond)
	return d, store
}

func countPosts(t *testing.T, store storage.Storage, platform model.Platform, status model.Status) int {
	t.Helper()
	posts, err := store.QueryPosts(context.Background(), storage.Filter{Platform: platform, Status: status})
	if err != nil {
		t.Fatalf("query posts: %v", err)
	}
	return len(posts)
}

func TestPublishSuccess(t *testing.T) {
	devto := &fakeAdapter{receipt: Receipt{RemoteID: "d1", URL: "https://dev.to/x/d1"}}
	mastodon := &fakeAdapter{receipt: Receipt{RemoteID: "m1", URL: "https://mastodon.social/@x/m1"}}
	d, store := newTestDispatcher(t, map[model.Platform]Adapter{
		model.PlatformDevto:    devto,
		model.PlatformMastodon: mastodon,
	}, nil)

	content := model.Content{Title: "Shipping a new release", Body: "Notes inside.", SourceURL: "https://example.com/r"}
	platforms := []model.Platform{model.PlatformDevto, model.PlatformMastodon}

	results := d.Publish(context.Background(), content, platforms)
	if len(results) != len(platforms) {
		t.Fatalf("got %d results, want %d", len(results), len(platforms))
	}
	for _, p := range platforms {
		res, ok := results[p]
		if !ok {
			t.Fatalf("missing result for %s", p)
		}
		if !res.Success {
			t.Errorf("%s failed: %s", p, res.Error)
		}
		if res.PostID == 0 {
			t.Errorf("%s result has no post ID", p)
		}
	}
	if results[model.PlatformDevto].RemoteID != "d1" {
		t.Errorf("devto remote id = %q", results[model.PlatformDevto].RemoteID)
	}
	if got := countPosts(t, store, model.PlatformDevto, model.StatusPosted); got != 1 {
		t.Errorf("devto posted rows = %d, want 1", got)
	}
}

func TestPublishDuplicate(t *testing.T) {
	adapter := &fakeAdapter{receipt: Receipt{RemoteID: "d1"}}
	d, store := newTestDispatcher(t, map[model.Platform]Adapter{model.PlatformDevto: adapter}, nil)
	d.SetLookbacks(map[model.Platform]time.Duration{model.PlatformDevto: 720 * time.Hour})

	content := model.Content{Title: "Understanding context cancellation", Body: "A walkthrough."}
	platforms := []model.Platform{model.PlatformDevto}

	first := d.Publish(context.Background(), content, platforms)
	if !first[model.PlatformDevto].Success {
		t.Fatalf("first publish failed: %s", first[model.PlatformDevto].Error)
	}

	second := d.Publish(context.Background(), content, platforms)
	res := second[model.PlatformDevto]
	if res.Success {
		t.Fatal("second publish of identical content must not succeed")
	}
	if res.Error != ReasonDuplicate {
		t.Errorf("error = %q, want %q", res.Error, ReasonDuplicate)
	}
	if adapter.callCount() != 1 {
		t.Errorf("adapter calls = %d, want 1", adapter.callCount())
	}
	// The skipped attempt is recorded as a failed row.
	if got := countPosts(t, store, model.PlatformDevto, model.StatusFailed); got != 1 {
		t.Errorf("failed rows = %d, want 1", got)
	}
}

func TestPublishRateLimited(t *testing.T) {
	adapter := &fakeAdapter{receipt: Receipt{RemoteID: "r"}}
	d, store := newTestDispatcher(t,
		map[model.Platform]Adapter{model.PlatformReddit: adapter},
		map[model.Platform]ratelimit.Limits{
			model.PlatformReddit: {PostsPerHour: 5, PostsPerDay: 100, MinInterval: 0},
		})

	titles := []string{
		"Kernel bypass networking",
		"Zero downtime migrations",
		"Effective table driven tests",
		"Scaling sqlite surprisingly far",
		"Debugging goroutine leaks",
		"Profiling memory allocations",
	}
	var last Result
	for _, title := range titles {
		results := d.Publish(context.Background(),
			model.Content{Title: title, Body: title}, []model.Platform{model.PlatformReddit})
		last = results[model.PlatformReddit]
	}

	if last.Success {
		t.Fatal("sixth post should have been rate limited")
	}
	if !strings.Contains(last.Error, "rate limit reached for reddit") {
		t.Errorf("error = %q, want rate limit message", last.Error)
	}
	if adapter.callCount() != 5 {
		t.Errorf("adapter calls = %d, want 5", adapter.callCount())
	}
	if got := countPosts(t, store, model.PlatformReddit, model.StatusPosted); got != 5 {
		t.Errorf("posted rows = %d, want 5", got)
	}
}

func TestPublishRetriesTransientFailures(t *testing.T) {
	adapter := &fakeAdapter{failures: 2, receipt: Receipt{RemoteID: "ok"}}
	d, store := newTestDispatcher(t, map[model.Platform]Adapter{model.PlatformDevto: adapter}, nil)

	results := d.Publish(context.Background(),
		model.Content{Title: "Flaky network day"}, []model.Platform{model.PlatformDevto})

	res := results[model.PlatformDevto]
	if !res.Success {
		t.Fatalf("publish failed: %s", res.Error)
	}
	if adapter.callCount() != 3 {
		t.Errorf("adapter calls = %d, want 3 (two failures then success)", adapter.callCount())
	}
	if got := countPosts(t, store, model.PlatformDevto, model.StatusPosted); got != 1 {
		t.Errorf("posted rows = %d, want 1", got)
	}
}

func TestPublishExhaustsRetries(t *testing.T) {
	adapter := &fakeAdapter{err: errors.New("http 502")}
	d, store := newTestDispatcher(t,
		map[model.Platform]Adapter{model.PlatformDevto: adapter},
		map[model.Platform]ratelimit.Limits{
			model.PlatformDevto: {PostsPerHour: 1, PostsPerDay: 1, MinInterval: 0},
		})
	d.SetMaxAttempts(2)

	results := d.Publish(context.Background(),
		model.Content{Title: "Doomed attempt"}, []model.Platform{model.PlatformDevto})

	res := results[model.PlatformDevto]
	if res.Success {
		t.Fatal("publish should have failed")
	}
	if !strings.Contains(res.Error, "after 2 attempts") {
		t.Errorf("error = %q, want exhausted-attempts message", res.Error)
	}
	if adapter.callCount() != 2 {
		t.Errorf("adapter calls = %d, want 2", adapter.callCount())
	}
	if got := countPosts(t, store, model.PlatformDevto, model.StatusFailed); got != 1 {
		t.Errorf("failed rows = %d, want 1", got)
	}

	// A failed dispatch must not consume rate budget: the single allowed
	// post per hour is still available.
	adapter2 := &fakeAdapter{receipt: Receipt{RemoteID: "ok"}}
	d.adapters[model.PlatformDevto] = adapter2
	results = d.Publish(context.Background(),
		model.Content{Title: "Second wind"}, []model.Platform{model.PlatformDevto})
	if !results[model.PlatformDevto].Success {
		t.Errorf("follow-up publish failed: %s", results[model.PlatformDevto].Error)
	}
}

// A failed row is not published history: the same content must be
// publishable again once the outage is over.
func TestRepublishAfterExhaustedRetries(t *testing.T) {
	adapter := &fakeAdapter{err: errors.New("http 503")}
	d, store := newTestDispatcher(t, map[model.Platform]Adapter{model.PlatformDevto: adapter}, nil)
	d.SetMaxAttempts(1)

	content := model.Content{Title: "Outage victim", Body: "Transient trouble."}
	results := d.Publish(context.Background(), content, []model.Platform{model.PlatformDevto})
	if results[model.PlatformDevto].Success {
		t.Fatal("first publish should have failed")
	}

	d.adapters[model.PlatformDevto] = &fakeAdapter{receipt: Receipt{RemoteID: "ok"}}
	results = d.Publish(context.Background(), content, []model.Platform{model.PlatformDevto})
	res := results[model.PlatformDevto]
	if !res.Success {
		t.Fatalf("republish after failure should succeed, got %q", res.Error)
	}
	if got := countPosts(t, store, model.PlatformDevto, model.StatusPosted); got != 1 {
		t.Errorf("posted rows = %d, want 1", got)
	}
	if got := countPosts(t, store, model.PlatformDevto, model.StatusFailed); got != 1 {
		t.Errorf("failed rows = %d, want 1", got)
	}
}

// A rate-limit skip row must not count as a duplicate once the window rolls.
func TestRepublishAfterRateLimitSkip(t *testing.T) {
	adapter := &fakeAdapter{receipt: Receipt{RemoteID: "ok"}}
	d, store := newTestDispatcher(t,
		map[model.Platform]Adapter{model.PlatformReddit: adapter},
		map[model.Platform]ratelimit.Limits{
			model.PlatformReddit: {PostsPerHour: 1, PostsPerDay: 100, MinInterval: 0},
		})

	now := time.Now().UTC()
	d.limiter.SetNow(func() time.Time { return now })

	filler := model.Content{Title: "Budget filler", Body: "Takes the hourly slot."}
	if res := d.Publish(context.Background(), filler, []model.Platform{model.PlatformReddit}); !res[model.PlatformReddit].Success {
		t.Fatalf("filler publish failed: %s", res[model.PlatformReddit].Error)
	}

	target := model.Content{Title: "Held back by throttling", Body: "Worth retrying."}
	results := d.Publish(context.Background(), target, []model.Platform{model.PlatformReddit})
	if !strings.Contains(results[model.PlatformReddit].Error, "rate limit reached") {
		t.Fatalf("second publish error = %q, want rate limit", results[model.PlatformReddit].Error)
	}

	now = now.Add(2 * time.Hour)
	results = d.Publish(context.Background(), target, []model.Platform{model.PlatformReddit})
	res := results[model.PlatformReddit]
	if !res.Success {
		t.Fatalf("republish after window rolled should succeed, got %q", res.Error)
	}
	if got := countPosts(t, store, model.PlatformReddit, model.StatusPosted); got != 2 {
		t.Errorf("posted rows = %d, want 2", got)
	}
}

func TestPublishAuthErrorStopsRetrying(t *testing.T) {
	adapter := &fakeAdapter{err: &AuthError{Platform: model.PlatformMastodon, Err: errors.New("401")}}
	d, _ := newTestDispatcher(t, map[model.Platform]Adapter{model.PlatformMastodon: adapter}, nil)

	results := d.Publish(context.Background(),
		model.Content{Title: "Bad credentials"}, []model.Platform{model.PlatformMastodon})

	res := results[model.PlatformMastodon]
	if res.Success {
		t.Fatal("publish should have failed")
	}
	if !strings.Contains(res.Error, "authentication failed for mastodon") {
		t.Errorf("error = %q, want auth failure", res.Error)
	}
	if adapter.callCount() != 1 {
		t.Errorf("adapter calls = %d, want 1 (auth errors are not retried)", adapter.callCount())
	}
}

func TestPublishCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	adapter := &fakeAdapter{err: errors.New("http 503"), onCall: cancel}
	d, _ := newTestDispatcher(t, map[model.Platform]Adapter{model.PlatformDevto: adapter}, nil)

	results := d.Publish(ctx, model.Content{Title: "Interrupted"}, []model.Platform{model.PlatformDevto})

	res := results[model.PlatformDevto]
	if res.Success {
		t.Fatal("publish should have been cancelled")
	}
	if res.Error != ReasonCancelled {
		t.Errorf("error = %q, want %q", res.Error, ReasonCancelled)
	}
}

func TestPublishNoAdapter(t *testing.T) {
	d, store := newTestDispatcher(t, map[model.Platform]Adapter{}, nil)

	results := d.Publish(context.Background(),
		model.Content{Title: "Nowhere to go"}, []model.Platform{model.PlatformReddit})

	res := results[model.PlatformReddit]
	if res.Success {
		t.Fatal("publish should have failed")
	}
	if !strings.Contains(res.Error, "no adapter registered for reddit") {
		t.Errorf("error = %q", res.Error)
	}
	if got := countPosts(t, store, model.PlatformReddit, model.StatusFailed); got != 1 {
		t.Errorf("failed rows = %d, want 1", got)
	}
}

func TestPublishInvalidPlatform(t *testing.T) {
	d, _ := newTestDispatcher(t, map[model.Platform]Adapter{}, nil)

	results := d.Publish(context.Background(),
		model.Content{Title: "x"}, []model.Platform{model.Platform("myspace")})

	res := results[model.Platform("myspace")]
	if res.Success || !strings.Contains(res.Error, "invalid platform") {
		t.Errorf("result = %+v, want invalid platform error", res)
	}
}

// Concurrent publishes of identical content to the same platform must
// result in exactly one posted row; the keyed lock serializes the sequence
// so later arrivals observe the winner's row as a duplicate.
func TestPublishConcurrentSameContent(t *testing.T) {
	adapter := &fakeAdapter{receipt: Receipt{RemoteID: "once"}}
	d, store := newTestDispatcher(t, map[model.Platform]Adapter{model.PlatformDevto: adapter}, nil)

	content := model.Content{Title: "Exactly once, please", Body: "No double posts."}

	const n = 5
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results := d.Publish(context.Background(), content, []model.Platform{model.PlatformDevto})
			if results[model.PlatformDevto].Success {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if adapter.callCount() != 1 {
		t.Errorf("adapter calls = %d, want 1", adapter.callCount())
	}
	if got := countPosts(t, store, model.PlatformDevto, model.StatusPosted); got != 1 {
		t.Errorf("posted rows = %d, want 1", got)
	}
}

func TestTextFormatter(t *testing.T) {
	content := model.Content{
		Title:     "Title here",
		Body:      "Body here.",
		SourceURL: "https://example.com",
		Tags:      []string{"go", "testing"},
	}
	payload, err := TextFormatter{}.Format(model.PlatformMastodon, content)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	want := "Title here\n\nBody here.\n\nhttps://example.com"
	if payload.Text != want {
		t.Errorf("text = %q, want %q", payload.Text, want)
	}
	if len(payload.Tags) != 2 {
		t.Errorf("tags = %v", payload.Tags)
	}

	// Empty fields leave no blank separators behind.
	payload, err = TextFormatter{}.Format(model.PlatformMastodon, model.Content{Title: "Just a title"})
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if payload.Text != "Just a title" {
		t.Errorf("text = %q", payload.Text)
	}
}
