package imessage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func newTestBook(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "AddressBook-v22.abcddb")
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open book: %v", err)
	}
	defer func() { _ = conn.Close() }()

	stmts := []string{
		`CREATE TABLE ZABCDRECORD (Z_PK INTEGER PRIMARY KEY, ZFIRSTNAME TEXT, ZLASTNAME TEXT)`,
		`CREATE TABLE ZABCDPHONENUMBER (ZOWNER INTEGER, ZFULLNUMBER TEXT)`,
		`CREATE TABLE ZABCDMESSAGINGADDRESS (ZOWNER INTEGER, ZADDRESS TEXT)`,
		`INSERT INTO ZABCDRECORD VALUES (1, 'Alice', 'Smith'), (2, 'Bob', NULL)`,
		`INSERT INTO ZABCDPHONENUMBER VALUES (1, '+1 (555) 123-4567')`,
		`INSERT INTO ZABCDMESSAGINGADDRESS VALUES (1, 'alice@example.com'), (2, 'Bob@Example.com')`,
	}
	for _, stmt := range stmts {
		if _, err := conn.Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
	return path
}

func newTestContacts(t *testing.T) *AddressBookContacts {
	t.Helper()
	book := newTestBook(t)
	c := NewContacts(zerolog.Nop())
	c.findBooks = func() []string { return []string{book} }
	return c
}

func TestContactsSearch(t *testing.T) {
	ctx := context.Background()
	c := newTestContacts(t)

	matches, err := c.Search(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 || matches[0].Name != "Alice Smith" {
		t.Fatalf("unexpected matches %+v", matches)
	}
	if len(matches[0].Handles) != 2 {
		t.Fatalf("expected phone and email handles, got %v", matches[0].Handles)
	}

	all, err := c.Search(ctx, "", 0)
	if err != nil {
		t.Fatalf("Search all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 contacts, got %+v", all)
	}

	limited, err := c.Search(ctx, "", 1)
	if err != nil {
		t.Fatalf("Search limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit not applied: %+v", limited)
	}
}

func TestContactsResolve(t *testing.T) {
	ctx := context.Background()
	c := newTestContacts(t)

	names, err := c.Resolve(ctx, []string{"+15551234567", "BOB@example.com", "+19999999999"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if names["+15551234567"] != "Alice Smith" {
		t.Fatalf("phone did not resolve: %v", names)
	}
	if names["BOB@example.com"] != "Bob" {
		t.Fatalf("email did not resolve case-insensitively: %v", names)
	}
	if _, ok := names["+19999999999"]; ok {
		t.Fatalf("unknown handle must be absent: %v", names)
	}
}

func TestContactsUnauthorized(t *testing.T) {
	c := NewContacts(zerolog.Nop())
	c.findBooks = func() []string { return nil }

	if _, err := c.Resolve(context.Background(), []string{"+15551234567"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := c.Search(context.Background(), "a", 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized on search too, got %v", err)
	}
}
