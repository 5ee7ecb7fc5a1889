package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Notifier watches the directory holding chat.db and nudges subscribers when
// the database or its WAL changes. SQLite rewrites the -wal file on every
// commit, so watching the directory catches appends that never touch the
// main file.
type Notifier struct {
	dir  string
	base string
	log  zerolog.Logger

	mu     sync.Mutex
	subs   map[int]chan struct{}
	nextID int
}

// NewNotifier returns a notifier for the database at dbPath.
func NewNotifier(dbPath string, log zerolog.Logger) *Notifier {
	return &Notifier{
		dir:  filepath.Dir(dbPath),
		base: filepath.Base(dbPath),
		log:  log,
		subs: make(map[int]chan struct{}),
	}
}

// Subscribe registers a wake channel. The returned cancel func must be called
// to release it. The channel has a one-slot buffer; a wake that arrives while
// one is already pending is coalesced.
func (n *Notifier) Subscribe() (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	id := n.nextID
	ch := make(chan struct{}, 1)
	n.subs[id] = ch
	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

// Run watches the database directory until ctx is cancelled. Watch errors
// after startup are logged and swallowed; pollers still make progress
// without wake-ups.
func (n *Notifier) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fs watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(n.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", n.dir, err)
	}
	n.log.Debug().Str("dir", n.dir).Msg("watching database directory")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.Contains(filepath.Base(ev.Name), n.base) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			n.broadcast()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			n.log.Warn().Err(err).Msg("fs watcher error")
		}
	}
}

func (n *Notifier) broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
