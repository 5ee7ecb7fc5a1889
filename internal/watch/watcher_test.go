package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jonathanwilner/imsg-rpc/internal/db"
)

type fakeStore struct {
	mu   sync.Mutex
	rows []db.Message
}

func (f *fakeStore) add(rowID, chatID int64, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, db.Message{RowID: rowID, ChatID: chatID, Text: text})
}

func (f *fakeStore) MessagesAfter(_ context.Context, afterRowID, chatIDFilter int64, limit int) ([]db.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Message
	for _, m := range f.rows {
		if m.RowID <= afterRowID {
			continue
		}
		if chatIDFilter != 0 && m.ChatID != chatIDFilter {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func collect(t *testing.T, w *Watcher, from, chatID int64, want int) []db.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		mu  sync.Mutex
		got []db.Message
	)
	err := w.Run(ctx, from, chatID, func(m db.Message) error {
		mu.Lock()
		got = append(got, m)
		n := len(got)
		mu.Unlock()
		if n == want {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: %v (collected %d of %d)", err, len(got), want)
	}
	return got
}

func TestRunDeliversInOrder(t *testing.T) {
	store := &fakeStore{}
	store.add(1, 1, "a")
	store.add(2, 1, "b")
	store.add(3, 2, "c")

	w := New(store, Config{PollInterval: 5 * time.Millisecond})
	got := collect(t, w, 0, 0, 3)
	if got[0].RowID != 1 || got[1].RowID != 2 || got[2].RowID != 3 {
		t.Fatalf("unexpected order %+v", got)
	}
}

func TestRunHonorsWatermarkAndChatFilter(t *testing.T) {
	store := &fakeStore{}
	store.add(1, 1, "old")
	store.add(2, 2, "other chat")
	store.add(3, 1, "new")

	w := New(store, Config{PollInterval: 5 * time.Millisecond})
	got := collect(t, w, 1, 1, 1)
	if len(got) != 1 || got[0].RowID != 3 {
		t.Fatalf("expected only row 3, got %+v", got)
	}
}

func TestRunDrainsFullBatches(t *testing.T) {
	store := &fakeStore{}
	for i := int64(1); i <= 5; i++ {
		store.add(i, 1, "m")
	}

	w := New(store, Config{PollInterval: 5 * time.Millisecond, BatchSize: 2})
	got := collect(t, w, 0, 0, 5)
	if got[4].RowID != 5 {
		t.Fatalf("expected all 5 rows in one pass, got %+v", got)
	}
}

func TestRunSeesLateRows(t *testing.T) {
	store := &fakeStore{}
	w := New(store, Config{PollInterval: 5 * time.Millisecond})

	go func() {
		time.Sleep(20 * time.Millisecond)
		store.add(1, 1, "late")
	}()
	got := collect(t, w, 0, 0, 1)
	if got[0].Text != "late" {
		t.Fatalf("unexpected message %+v", got[0])
	}
}

func TestRunStopsOnEmitError(t *testing.T) {
	store := &fakeStore{}
	store.add(1, 1, "a")

	w := New(store, Config{PollInterval: 5 * time.Millisecond})
	wantErr := errors.New("consumer gone")
	err := w.Run(context.Background(), 0, 0, func(db.Message) error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected emit error, got %v", err)
	}
}

func TestWakeCutsPollShort(t *testing.T) {
	store := &fakeStore{}
	wake := make(chan struct{}, 1)
	// Long base interval so delivery within the timeout proves the wake works.
	w := New(store, Config{PollInterval: time.Minute}, WithWake(wake))

	go func() {
		time.Sleep(20 * time.Millisecond)
		store.add(1, 1, "nudged")
		wake <- struct{}{}
	}()
	got := collect(t, w, 0, 0, 1)
	if got[0].Text != "nudged" {
		t.Fatalf("unexpected message %+v", got[0])
	}
}

func TestNotifierSubscribeFanOut(t *testing.T) {
	n := NewNotifier("/tmp/chat.db", zerolog.Nop())
	ch1, cancel1 := n.Subscribe()
	ch2, cancel2 := n.Subscribe()
	defer cancel2()

	n.broadcast()
	n.broadcast() // coalesces with the pending wake

	select {
	case <-ch1:
	default:
		t.Fatalf("expected wake on first subscriber")
	}
	select {
	case <-ch2:
	default:
		t.Fatalf("expected wake on second subscriber")
	}

	cancel1()
	n.broadcast()
	select {
	case <-ch2:
	default:
		t.Fatalf("expected wake after resubscribe broadcast")
	}
}
