package dispatch

import (
	"context"
	"log/slog"
	"time"

	"postpilot/internal/storage"
)

// Runner periodically dispatches scheduled posts whose time has arrived.
type Runner struct {
	store      storage.Storage
	dispatcher *Dispatcher
	log        *slog.Logger
	tick       time.Duration
}

// NewRunner creates a Runner with a one-minute tick.
func NewRunner(store storage.Storage, dispatcher *Dispatcher, log *slog.Logger) *Runner {
	return &Runner{
		store:      store,
		dispatcher: dispatcher,
		log:        log,
		tick:       time.Minute,
	}
}

// SetTickInterval overrides the default 1-minute check interval.
func (r *Runner) SetTickInterval(d time.Duration) {
	r.tick = d
}

// Run starts the runner loop, blocking until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.dispatchDue(ctx)

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.dispatchDue(ctx)
		}
	}
}

func (r *Runner) dispatchDue(ctx context.Context) {
	posts, err := r.store.DuePosts(ctx, time.Now().UTC())
	if err != nil {
		r.log.Error("list due posts", "error", err)
		return
	}

	for i := range posts {
		if ctx.Err() != nil {
			return
		}
		post := posts[i]
		res := r.dispatcher.DispatchScheduled(ctx, &post)
		if res.Success {
			r.log.Info("dispatched due post", "post_id", post.ID, "platform", post.Platform, "url", res.URL)
		} else {
			r.log.Warn("due post not dispatched", "post_id", post.ID, "platform", post.Platform, "reason", res.Error)
		}
	}
}
