// Package watch polls chat.db for newly appended message rows.
package watch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/jonathanwilner/imsg-rpc/internal/db"
)

// Store is the slice of the message store the watcher polls.
type Store interface {
	MessagesAfter(ctx context.Context, afterRowID, chatIDFilter int64, limit int) ([]db.Message, error)
}

// Config tunes the poll loop. Zero values pick the defaults.
type Config struct {
	PollInterval time.Duration // base poll interval, default 500ms
	MaxInterval  time.Duration // backoff cap, default 5s
	BatchSize    int           // rows per query, default 200
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	return c
}

// Watcher delivers new messages past a rowid watermark in insertion order.
type Watcher struct {
	store Store
	cfg   Config
	wake  <-chan struct{}
	log   zerolog.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithWake lets an external notifier cut the current poll wait short.
// Waking is a hint; polling remains the delivery mechanism.
func WithWake(ch <-chan struct{}) Option {
	return func(w *Watcher) { w.wake = ch }
}

// WithLogger attaches a logger for poll diagnostics.
func WithLogger(log zerolog.Logger) Option {
	return func(w *Watcher) { w.log = log }
}

// New returns a watcher over store.
func New(store Store, cfg Config, opts ...Option) *Watcher {
	w := &Watcher{
		store: store,
		cfg:   cfg.withDefaults(),
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls for messages with rowid greater than fromRowID and hands each to
// emit in ascending rowid order. chatID of 0 watches all chats. The watermark
// only advances after emit returns nil, so no delivered row is ever skipped.
//
// Empty polls back the interval off exponentially up to the cap; any rows
// reset it. Run returns ctx.Err() on cancellation and the first store or emit
// error otherwise.
func (w *Watcher) Run(ctx context.Context, fromRowID, chatID int64, emit func(db.Message) error) error {
	watermark := fromRowID
	interval := w.cfg.PollInterval

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-w.wake:
			// Drain the pending tick so the timer can be reset below.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		// A tick and a cancel can be ready together; cancellation wins.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delivered := 0
		for {
			msgs, err := w.store.MessagesAfter(ctx, watermark, chatID, w.cfg.BatchSize)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				if err := emit(m); err != nil {
					return err
				}
				watermark = m.RowID
			}
			delivered += len(msgs)
			if len(msgs) < w.cfg.BatchSize {
				break
			}
		}

		if delivered > 0 {
			w.log.Debug().Int("messages", delivered).Int64("watermark", watermark).Msg("delivered new messages")
			interval = w.cfg.PollInterval
		} else {
			interval *= 2
			if interval > w.cfg.MaxInterval {
				interval = w.cfg.MaxInterval
			}
		}
		timer.Reset(interval)
	}
}
