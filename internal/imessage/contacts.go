package imessage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	// CGO driver for the AddressBook databases.
	_ "github.com/mattn/go-sqlite3"
)

// ErrUnauthorized is returned when no AddressBook source can be read,
// typically because the process lacks Full Disk Access or Contacts
// permission.
var ErrUnauthorized = errors.New("contacts unavailable")

// Contact is one AddressBook person with all their known handles.
type Contact struct {
	Name    string
	Handles []string
}

// Contacts resolves handles to names and searches people by name.
type Contacts interface {
	Search(ctx context.Context, query string, limit int) ([]Contact, error)
	Resolve(ctx context.Context, handles []string) (map[string]string, error)
}

// AddressBookContacts reads the macOS AddressBook sqlite sources. Contacts
// are loaded once on first use and held in memory; the books change rarely
// and the process is short-lived.
type AddressBookContacts struct {
	log zerolog.Logger

	// findBooks is swapped in tests.
	findBooks func() []string

	mu       sync.Mutex
	loaded   bool
	loadErr  error
	contacts []Contact
	byHandle map[string]string // normalized handle -> name
}

// NewContacts returns a resolver over the current user's AddressBook sources.
func NewContacts(log zerolog.Logger) *AddressBookContacts {
	return &AddressBookContacts{log: log, findBooks: findAddressBooks}
}

// Search returns contacts whose name contains query, case-insensitively.
func (c *AddressBookContacts) Search(ctx context.Context, query string, limit int) ([]Contact, error) {
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	var out []Contact
	for _, ct := range c.contacts {
		if needle != "" && !strings.Contains(strings.ToLower(ct.Name), needle) {
			continue
		}
		out = append(out, Contact{Name: ct.Name, Handles: append([]string(nil), ct.Handles...)})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Resolve maps each handle to a contact name. Handles with no match are
// absent from the result.
func (c *AddressBookContacts) Resolve(ctx context.Context, handles []string) (map[string]string, error) {
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(handles))
	for _, h := range handles {
		norm, _ := NormalizeIdentifier(h)
		if name, ok := c.byHandle[norm]; ok {
			out[h] = name
		}
	}
	return out, nil
}

func (c *AddressBookContacts) load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return c.loadErr
	}
	c.loaded = true

	books := c.findBooks()
	if len(books) == 0 {
		c.loadErr = fmt.Errorf("no readable AddressBook sources: %w", ErrUnauthorized)
		return c.loadErr
	}

	byName := map[string][]string{}
	byHandle := map[string]string{}
	readable := 0
	for _, book := range books {
		if err := loadBook(ctx, book, byName, byHandle); err != nil {
			c.log.Debug().Err(err).Str("book", book).Msg("skipping address book")
			continue
		}
		readable++
	}
	if readable == 0 {
		c.loadErr = fmt.Errorf("all AddressBook sources unreadable: %w", ErrUnauthorized)
		return c.loadErr
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		handles := byName[name]
		sort.Strings(handles)
		c.contacts = append(c.contacts, Contact{Name: name, Handles: handles})
	}
	c.byHandle = byHandle
	c.log.Debug().Int("contacts", len(c.contacts)).Int("books", readable).Msg("loaded address books")
	return nil
}

// findAddressBooks locates every AddressBook-v22.abcddb under the user's
// AddressBook directory, including per-account Sources subdirectories.
func findAddressBooks() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	root := filepath.Join(home, "Library", "Application Support", "AddressBook")

	var books []string
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil || d == nil || d.IsDir() {
			return nil
		}
		if d.Name() == "AddressBook-v22.abcddb" {
			books = append(books, path)
		}
		return nil
	})
	return books
}

// loadBook pulls names with their phone numbers and messaging addresses out
// of one AddressBook database.
func loadBook(ctx context.Context, path string, byName map[string][]string, byHandle map[string]string) error {
	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = conn.Close() }()

	var probe string
	err = conn.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name='ZABCDRECORD' LIMIT 1").Scan(&probe)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to probe %s: %w", path, err)
	}

	const q = `
SELECT IFNULL(r.ZFIRSTNAME, ''), IFNULL(r.ZLASTNAME, ''), p.ZFULLNUMBER AS identifier
FROM ZABCDRECORD r
JOIN ZABCDPHONENUMBER p ON p.ZOWNER = r.Z_PK
WHERE p.ZFULLNUMBER IS NOT NULL
UNION
SELECT IFNULL(r.ZFIRSTNAME, ''), IFNULL(r.ZLASTNAME, ''), m.ZADDRESS AS identifier
FROM ZABCDRECORD r
JOIN ZABCDMESSAGINGADDRESS m ON m.ZOWNER = r.Z_PK
WHERE m.ZADDRESS IS NOT NULL`

	rows, err := conn.QueryContext(ctx, q)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", path, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var first, last, identifier string
		if err := rows.Scan(&first, &last, &identifier); err != nil {
			return fmt.Errorf("failed to scan contact: %w", err)
		}
		name := strings.TrimSpace(first + " " + last)
		if name == "" || identifier == "" {
			continue
		}
		byName[name] = appendUnique(byName[name], identifier)

		norm, typ := NormalizeIdentifier(identifier)
		if norm != "" {
			byHandle[norm] = name
		}
		if typ == "phone" {
			for _, v := range PhoneVariants(identifier) {
				if n := NormalizePhoneNumber(v); n != "" {
					byHandle[n] = name
				}
			}
		}
	}
	return rows.Err()
}

func appendUnique(list []string, v string) []string {
	for _, have := range list {
		if have == v {
			return list
		}
	}
	return append(list, v)
}
