package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"postpilot/internal/dedup"
	"postpilot/internal/model"
	"postpilot/internal/ratelimit"
	"postpilot/internal/schedule"
	"postpilot/internal/storage"
)

// ReasonDuplicate is the result error for content the dedup engine rejected.
const ReasonDuplicate = "duplicate content detected"

// ReasonCancelled is the result error for dispatches cut short by the caller.
const ReasonCancelled = "cancelled"

const defaultLookback = 24 * time.Hour

// Result is the per-platform outcome of a publish attempt. Duplicate and
// rate-limited outcomes land here as values, never as errors, so a batch can
// proceed to the remaining platforms.
type Result struct {
	Success  bool
	RemoteID string
	URL      string
	Error    string
	PostID   int64
}

// Dispatcher coordinates the publish pipeline for each (content, platform)
// pair.
type Dispatcher struct {
	store     storage.Storage
	dupes     *dedup.Engine
	limiter   *ratelimit.Limiter
	adapters  map[model.Platform]Adapter
	optimizer *schedule.Optimizer
	format    Formatter
	lookbacks map[model.Platform]time.Duration
	log       *slog.Logger

	maxAttempts int
	backoffBase time.Duration
	callTimeout time.Duration
	concurrency int

	locks keyedMutex
}

// New creates a Dispatcher with default retry and timeout settings.
func New(store storage.Storage, dupes *dedup.Engine, limiter *ratelimit.Limiter, adapters map[model.Platform]Adapter, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:       store,
		dupes:       dupes,
		limiter:     limiter,
		adapters:    adapters,
		format:      TextFormatter{},
		lookbacks:   make(map[model.Platform]time.Duration),
		log:         log,
		maxAttempts: 3,
		backoffBase: time.Second,
		callTimeout: 20 * time.Second,
		concurrency: 4,
	}
}

// SetFormatter replaces the platform formatter.
func (d *Dispatcher) SetFormatter(f Formatter) { d.format = f }

// SetOptimizer wires in the scheduling optimizer used by ScheduleBatch.
func (d *Dispatcher) SetOptimizer(o *schedule.Optimizer) { d.optimizer = o }

// SetLookbacks configures the per-platform dedup windows.
func (d *Dispatcher) SetLookbacks(lookbacks map[model.Platform]time.Duration) {
	d.lookbacks = lookbacks
}

// SetMaxAttempts sets the total adapter attempts per platform (minimum 1).
func (d *Dispatcher) SetMaxAttempts(n int) {
	if n < 1 {
		n = 1
	}
	d.maxAttempts = n
}

// SetBackoffBase sets the first retry delay; later delays double it.
func (d *Dispatcher) SetBackoffBase(base time.Duration) { d.backoffBase = base }

// SetCallTimeout bounds each individual adapter call.
func (d *Dispatcher) SetCallTimeout(timeout time.Duration) { d.callTimeout = timeout }

// SetConcurrency bounds how many platforms are dispatched at once.
func (d *Dispatcher) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	d.concurrency = n
}

// Publish dispatches the content to every requested platform and returns one
// Result per platform. Platforms run concurrently; failures on one never
// block another.
func (d *Dispatcher) Publish(ctx context.Context, content model.Content, platforms []model.Platform) map[model.Platform]Result {
	log := d.log.With("batch_id", uuid.NewString())

	var mu sync.Mutex
	results := make(map[model.Platform]Result, len(platforms))

	g := new(errgroup.Group)
	g.SetLimit(d.concurrency)
	for _, platform := range platforms {
		g.Go(func() error {
			res := d.publishOne(ctx, log, content, platform)
			mu.Lock()
			results[platform] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// publishOne runs the full sequence for a single platform: dedup check,
// rate-limit check, format, adapter call with retry, outcome recording.
// The keyed lock spans the whole sequence so a concurrent dispatch of the
// same content observes this attempt's row.
func (d *Dispatcher) publishOne(ctx context.Context, log *slog.Logger, content model.Content, platform model.Platform) Result {
	if !platform.Valid() {
		return Result{Error: fmt.Sprintf("invalid platform %q", platform)}
	}
	log = log.With("platform", platform)

	hash := dedup.Fingerprint(content.Title, content.Body)
	unlock := d.locks.lock(string(platform) + "|" + hash)
	defer unlock()

	dup, err := d.dupes.IsDuplicate(ctx, platform, dedup.Candidate{
		Title: content.Title,
		Body:  content.Body,
		URL:   content.SourceURL,
	}, d.lookbackFor(platform))
	if err != nil {
		log.Error("dedup check", "error", err)
		return Result{Error: fmt.Sprintf("dedup check: %v", err)}
	}
	if dup {
		log.Info("skipping duplicate content", "content_hash", hash)
		id := d.recordSkip(ctx, content, platform, hash, ReasonDuplicate)
		return Result{Error: ReasonDuplicate, PostID: id}
	}

	if !d.limiter.CanPost(platform) {
		wait := d.limiter.WaitSeconds(platform)
		reason := fmt.Sprintf("rate limit reached for %s, retry in %ds", platform, wait)
		log.Info("skipping rate-limited platform", "wait_seconds", wait)
		id := d.recordSkip(ctx, content, platform, hash, reason)
		return Result{Error: reason, PostID: id}
	}

	post := &model.Post{
		Platform:    platform,
		ContentHash: hash,
		Title:       content.Title,
		Body:        content.Body,
		SourceURL:   content.SourceURL,
		Status:      model.StatusPending,
	}
	if err := d.store.CreatePost(ctx, post); err != nil {
		log.Error("create post", "error", err)
		return Result{Error: fmt.Sprintf("create post: %v", err)}
	}
	log = log.With("post_id", post.ID)

	payload, err := d.format.Format(platform, content)
	if err != nil {
		d.recordFailure(ctx, log, post.ID, fmt.Sprintf("format content: %v", err))
		return Result{Error: fmt.Sprintf("format content: %v", err), PostID: post.ID}
	}
	if err := d.store.UpdatePostStatus(ctx, post.ID, model.StatusGenerated, ""); err != nil {
		log.Error("update post status", "error", err)
	}

	return d.deliver(ctx, log, post.ID, platform, payload)
}

// deliver runs the adapter call with retry and records the outcome.
func (d *Dispatcher) deliver(ctx context.Context, log *slog.Logger, postID int64, platform model.Platform, payload Payload) Result {
	receipt, err := d.postWithRetry(ctx, platform, payload)
	if err != nil {
		reason := fmt.Sprintf("failed to post to %s after %d attempts: %v", platform, d.maxAttempts, err)
		if errors.Is(err, context.Canceled) {
			reason = ReasonCancelled
		}
		log.Warn("dispatch failed", "error", err)
		d.recordFailure(ctx, log, postID, reason)
		return Result{Error: reason, PostID: postID}
	}

	// Count the post only after the platform confirmed it, so failed
	// attempts never consume rate budget.
	d.limiter.RecordPost(platform)
	if err := d.store.MarkPosted(ctx, postID, receipt.RemoteID, receipt.URL); err != nil {
		log.Error("mark posted", "error", err)
	}
	log.Info("posted", "remote_id", receipt.RemoteID, "url", receipt.URL)
	return Result{Success: true, RemoteID: receipt.RemoteID, URL: receipt.URL, PostID: postID}
}

// postWithRetry invokes the adapter with exponential backoff (1s, 2s, 4s...).
// Auth errors stop immediately; everything else is treated as transient.
// Cancellation is observed between attempts, never mid-call.
func (d *Dispatcher) postWithRetry(ctx context.Context, platform model.Platform, payload Payload) (Receipt, error) {
	adapter, ok := d.adapters[platform]
	if !ok {
		return Receipt{}, fmt.Errorf("no adapter registered for %s", platform)
	}

	var receipt Receipt
	backoff := retry.WithMaxRetries(uint64(d.maxAttempts-1), retry.NewExponential(d.backoffBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
		defer cancel()

		r, err := adapter.PostContent(callCtx, payload)
		if err != nil {
			var authErr *AuthError
			if errors.As(err, &authErr) {
				return err
			}
			d.log.Debug("adapter call failed, will retry", "platform", platform, "error", err)
			return retry.RetryableError(err)
		}
		receipt = r
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

// recordSkip persists a failed row so skipped attempts stay auditable.
func (d *Dispatcher) recordSkip(ctx context.Context, content model.Content, platform model.Platform, hash, reason string) int64 {
	post := &model.Post{
		Platform:     platform,
		ContentHash:  hash,
		Title:        content.Title,
		Body:         content.Body,
		SourceURL:    content.SourceURL,
		Status:       model.StatusFailed,
		ErrorMessage: reason,
	}
	if err := d.store.CreatePost(ctx, post); err != nil {
		d.log.Error("record skipped attempt", "platform", platform, "error", err)
		return 0
	}
	return post.ID
}

func (d *Dispatcher) recordFailure(ctx context.Context, log *slog.Logger, postID int64, reason string) {
	if err := d.store.UpdatePostStatus(ctx, postID, model.StatusFailed, reason); err != nil {
		log.Error("record failure", "error", err)
	}
}

func (d *Dispatcher) lookbackFor(platform model.Platform) time.Duration {
	if lb, ok := d.lookbacks[platform]; ok {
		return lb
	}
	return defaultLookback
}
