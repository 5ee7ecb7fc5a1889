// Package chatcache memoises per-chat metadata so notification fan-out does
// not hit chat.db for every message.
package chatcache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonathanwilner/imsg-rpc/internal/db"
)

// ErrNotFound is returned when a chat rowid has no row in chat.db.
var ErrNotFound = errors.New("chat not found")

// MetadataStore is the slice of the message store the cache reads from.
type MetadataStore interface {
	ChatInfo(ctx context.Context, chatID int64) (*db.ChatInfo, error)
	Participants(ctx context.Context, chatID int64) ([]string, error)
}

// Entry is the memoised metadata for one chat. Chat rows are effectively
// immutable for our purposes, so entries are never invalidated.
type Entry struct {
	ID           int64
	Identifier   string
	GUID         string
	DisplayName  string
	Service      string
	IsGroup      bool
	Participants []string
}

// Cache is a concurrency-safe memoising lookup over a MetadataStore.
type Cache struct {
	store MetadataStore

	mu      sync.Mutex
	entries map[int64]*Entry
}

// New returns an empty cache backed by store.
func New(store MetadataStore) *Cache {
	return &Cache{
		store:   store,
		entries: make(map[int64]*Entry),
	}
}

// Get returns the metadata for a chat, loading it on first use.
// Unknown chat ids return ErrNotFound and are not cached, so a chat created
// after a failed lookup is still found later.
func (c *Cache) Get(ctx context.Context, chatID int64) (Entry, error) {
	c.mu.Lock()
	if e, ok := c.entries[chatID]; ok {
		out := c.copyOut(e)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	info, err := c.store.ChatInfo(ctx, chatID)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to load chat %d: %w", chatID, err)
	}
	if info == nil {
		return Entry{}, fmt.Errorf("chat %d: %w", chatID, ErrNotFound)
	}
	participants, err := c.store.Participants(ctx, chatID)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to load participants for chat %d: %w", chatID, err)
	}

	e := &Entry{
		ID:           info.ID,
		Identifier:   info.Identifier,
		GUID:         info.GUID,
		DisplayName:  info.DisplayName,
		Service:      info.Service,
		IsGroup:      info.IsGroup,
		Participants: participants,
	}

	c.mu.Lock()
	// A concurrent loader may have won; keep whichever is already stored.
	if prior, ok := c.entries[chatID]; ok {
		e = prior
	} else {
		c.entries[chatID] = e
	}
	out := c.copyOut(e)
	c.mu.Unlock()
	return out, nil
}

// Len reports how many chats are currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// copyOut returns a value copy with its own participants slice so callers
// cannot alias cached state. Caller holds mu.
func (c *Cache) copyOut(e *Entry) Entry {
	out := *e
	out.Participants = append([]string(nil), e.Participants...)
	return out
}
