// Package db provides read-only access to the macOS Messages SQLite store.
package db

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	// Pure-Go sqlite driver so the server builds without CGO.
	_ "modernc.org/sqlite"
)

// AppleEpochOffset is the number of seconds between 1970-01-01 and 2001-01-01.
// chat.db stores timestamps as nanoseconds since the Apple epoch.
const AppleEpochOffset = 978307200

// Chat is one row of the chat table plus the timestamp of its newest message.
type Chat struct {
	ID            int64
	Identifier    string
	Name          string
	Service       string
	LastMessageAt time.Time
}

// ChatInfo carries the per-chat metadata the cache memoises.
type ChatInfo struct {
	ID          int64
	Identifier  string
	GUID        string
	DisplayName string
	Service     string
	IsGroup     bool
}

// Message is a single message row with its chat association resolved.
type Message struct {
	RowID       int64
	ChatID      int64
	GUID        string
	ReplyToGUID string
	Sender      string
	Text        string
	Date        time.Time
	IsFromMe    bool
	Service     string
	HandleID    sql.NullInt64
	Attachments int
}

// Attachment is attachment metadata with the on-disk path resolved.
type Attachment struct {
	Filename     string
	TransferName string
	UTI          string
	MimeType     string
	TotalBytes   int64
	IsSticker    bool
	Path         string
	Missing      bool
}

// Store wraps the chat.db handle. All queries are read-only; the Messages
// app keeps writing to the database underneath us.
type Store struct {
	db   *sql.DB
	path string

	hasAttributedBody bool
	hasTapbackEmoji   bool
}

// DefaultPath returns the default location of chat.db for the current user.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "Messages", "chat.db")
}

// Open opens chat.db read-only with a 5s busy timeout.
// Note: Do NOT use immutable=1 here - it caches the database state and
// prevents seeing new rows appended after connection.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&mode=ro", filepath.Clean(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, enhanceError(err, path)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, enhanceError(err, path)
	}

	s := &Store{db: db, path: path}
	// Older macOS schemas predate both columns; probe once so queries can
	// project a literal instead.
	s.hasAttributedBody = s.columnExists(ctx, "message", "attributedBody")
	s.hasTapbackEmoji = s.columnExists(ctx, "message", "associated_message_emoji")
	return s, nil
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the chat.db path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// enhanceError adds actionable context for common permission failures.
func enhanceError(err error, path string) error {
	errStr := err.Error()

	// SQLite error 14 (SQLITE_CANTOPEN) and "authorization denied" both
	// indicate missing Full Disk Access.
	if strings.Contains(errStr, "out of memory (14)") ||
		strings.Contains(errStr, "authorization denied") ||
		strings.Contains(errStr, "unable to open database") {
		return fmt.Errorf(`%w

cannot access the Messages database at %s

macOS requires Full Disk Access to read chat.db:
1. Open System Settings > Privacy & Security > Full Disk Access
2. Add your terminal application
3. Restart the terminal and try again`, err, path)
	}

	return err
}

// ListChats returns chats ordered by most recent message, newest first.
// Chats with an empty display_name fall back to chat_identifier.
func (s *Store) ListChats(ctx context.Context, limit int) ([]Chat, error) {
	const q = `
SELECT c.ROWID,
       CASE WHEN c.display_name IS NULL OR c.display_name = '' THEN c.chat_identifier ELSE c.display_name END AS name,
       c.chat_identifier, c.service_name,
       MAX(m.date) AS last_date
FROM chat c
JOIN chat_message_join cmj ON c.ROWID = cmj.chat_id
JOIN message m ON m.ROWID = cmj.message_id
GROUP BY c.ROWID
ORDER BY last_date DESC
LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	chats := []Chat{}
	for rows.Next() {
		var (
			id     int64
			name   sql.NullString
			ident  sql.NullString
			svc    sql.NullString
			lastNs sql.NullInt64
		)
		if err := rows.Scan(&id, &name, &ident, &svc, &lastNs); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		chats = append(chats, Chat{
			ID:            id,
			Name:          name.String,
			Identifier:    ident.String,
			Service:       svc.String,
			LastMessageAt: appleTime(lastNs.Int64),
		})
	}
	return chats, rows.Err()
}

func (s *Store) bodyColumn() string {
	if s.hasAttributedBody {
		return "m.attributedBody"
	}
	return "''"
}

// MessagesByChat returns recent messages for a chat, newest first.
func (s *Store) MessagesByChat(ctx context.Context, chatID int64, limit int) ([]Message, error) {
	q := fmt.Sprintf(`
SELECT m.ROWID, m.guid, IFNULL(m.reply_to_guid, ''), m.handle_id, h.id,
       IFNULL(m.text, '') AS text, m.date, m.is_from_me, m.service,
       (SELECT COUNT(*) FROM message_attachment_join maj WHERE maj.message_id = m.ROWID) AS attachments,
       %s AS body
FROM message m
JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
LEFT JOIN handle h ON m.handle_id = h.ROWID
WHERE cmj.chat_id = ?
ORDER BY m.date DESC
LIMIT ?`, s.bodyColumn())

	rows, err := s.db.QueryContext(ctx, q, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	msgs := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows, chatID)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessagesAfter returns messages with rowid strictly greater than afterRowID
// in ascending rowid order. chatIDFilter of 0 means all chats.
func (s *Store) MessagesAfter(ctx context.Context, afterRowID, chatIDFilter int64, limit int) ([]Message, error) {
	q := fmt.Sprintf(`
SELECT m.ROWID, m.guid, IFNULL(m.reply_to_guid, ''), cmj.chat_id, m.handle_id, h.id,
       IFNULL(m.text, '') AS text, m.date, m.is_from_me, m.service,
       (SELECT COUNT(*) FROM message_attachment_join maj WHERE maj.message_id = m.ROWID) AS attachments,
       %s AS body
FROM message m
LEFT JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
LEFT JOIN handle h ON m.handle_id = h.ROWID
WHERE m.ROWID > ?`, s.bodyColumn())
	args := []any{afterRowID}
	if chatIDFilter != 0 {
		q += " AND cmj.chat_id = ?"
		args = append(args, chatIDFilter)
	}
	q += " ORDER BY m.ROWID ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query new messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	msgs := []Message{}
	for rows.Next() {
		var (
			rowID       int64
			guid        string
			replyTo     string
			chatID      sql.NullInt64
			handleID    sql.NullInt64
			sender      sql.NullString
			text        sql.NullString
			dateNs      sql.NullInt64
			isFromMe    bool
			service     sql.NullString
			attachments int
			body        []byte
		)
		if err := rows.Scan(&rowID, &guid, &replyTo, &chatID, &handleID, &sender, &text, &dateNs, &isFromMe, &service, &attachments, &body); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		resolvedText := text.String
		if resolvedText == "" {
			resolvedText = parseStreamTyped(body)
		}
		msgs = append(msgs, Message{
			RowID:       rowID,
			ChatID:      chatID.Int64,
			GUID:        guid,
			ReplyToGUID: replyTo,
			Sender:      sender.String,
			Text:        resolvedText,
			Date:        appleTime(dateNs.Int64),
			IsFromMe:    isFromMe,
			Service:     service.String,
			HandleID:    handleID,
			Attachments: attachments,
		})
	}
	return msgs, rows.Err()
}

// MessageByGUID looks up a single message by its GUID.
// Returns nil when no such message exists.
func (s *Store) MessageByGUID(ctx context.Context, guid string) (*Message, error) {
	q := fmt.Sprintf(`
SELECT m.ROWID, m.guid, IFNULL(m.reply_to_guid, ''), cmj.chat_id, m.handle_id, h.id,
       IFNULL(m.text, '') AS text, m.date, m.is_from_me, m.service,
       (SELECT COUNT(*) FROM message_attachment_join maj WHERE maj.message_id = m.ROWID) AS attachments,
       %s AS body
FROM message m
LEFT JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
LEFT JOIN handle h ON m.handle_id = h.ROWID
WHERE m.guid = ?
LIMIT 1`, s.bodyColumn())

	row := s.db.QueryRowContext(ctx, q, guid)
	var (
		rowID       int64
		g           string
		replyTo     string
		chatID      sql.NullInt64
		handleID    sql.NullInt64
		sender      sql.NullString
		text        sql.NullString
		dateNs      sql.NullInt64
		isFromMe    bool
		service     sql.NullString
		attachments int
		body        []byte
	)
	err := row.Scan(&rowID, &g, &replyTo, &chatID, &handleID, &sender, &text, &dateNs, &isFromMe, &service, &attachments, &body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up message %s: %w", guid, err)
	}
	resolvedText := text.String
	if resolvedText == "" {
		resolvedText = parseStreamTyped(body)
	}
	return &Message{
		RowID:       rowID,
		ChatID:      chatID.Int64,
		GUID:        g,
		ReplyToGUID: replyTo,
		Sender:      sender.String,
		Text:        resolvedText,
		Date:        appleTime(dateNs.Int64),
		IsFromMe:    isFromMe,
		Service:     service.String,
		HandleID:    handleID,
		Attachments: attachments,
	}, nil
}

// AttachmentsByMessage returns attachment metadata for a message rowid.
// Tilde paths are resolved against the home directory; Missing is set when
// the resolved path is not a regular file. A NULL mime_type is sniffed from
// the file when it exists.
func (s *Store) AttachmentsByMessage(ctx context.Context, messageID int64) ([]Attachment, error) {
	const q = `
SELECT IFNULL(a.filename, ''), IFNULL(a.transfer_name, ''), IFNULL(a.uti, ''),
       IFNULL(a.mime_type, ''), IFNULL(a.total_bytes, 0), a.is_sticker
FROM message_attachment_join maj
JOIN attachment a ON a.ROWID = maj.attachment_id
WHERE maj.message_id = ?`

	rows, err := s.db.QueryContext(ctx, q, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Attachment
	for rows.Next() {
		var att Attachment
		if err := rows.Scan(&att.Filename, &att.TransferName, &att.UTI, &att.MimeType, &att.TotalBytes, &att.IsSticker); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		att.Path, att.Missing = resolvePath(att.Filename)
		if att.MimeType == "" && !att.Missing {
			if mt, err := mimetype.DetectFile(att.Path); err == nil {
				att.MimeType = mt.String()
			}
		}
		out = append(out, att)
	}
	return out, rows.Err()
}

// ChatInfo returns metadata for a single chat, or nil when the chat does
// not exist. Style 43 marks group chats.
func (s *Store) ChatInfo(ctx context.Context, chatID int64) (*ChatInfo, error) {
	const q = `
SELECT ROWID, IFNULL(chat_identifier, ''), IFNULL(guid, ''),
       IFNULL(display_name, ''), IFNULL(service_name, ''), IFNULL(style, 0)
FROM chat
WHERE ROWID = ?`

	var (
		info  ChatInfo
		style int
	)
	err := s.db.QueryRowContext(ctx, q, chatID).Scan(
		&info.ID, &info.Identifier, &info.GUID, &info.DisplayName, &info.Service, &style)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query chat %d: %w", chatID, err)
	}
	info.IsGroup = style == 43
	return &info, nil
}

// ChatInfoByTarget looks up a chat by its guid or chat_identifier, or nil
// when neither matches. Empty arguments never match.
func (s *Store) ChatInfoByTarget(ctx context.Context, identifier, guid string) (*ChatInfo, error) {
	const q = `
SELECT ROWID, IFNULL(chat_identifier, ''), IFNULL(guid, ''),
       IFNULL(display_name, ''), IFNULL(service_name, ''), IFNULL(style, 0)
FROM chat
WHERE (? != '' AND guid = ?) OR (? != '' AND chat_identifier = ?)
LIMIT 1`

	var (
		info  ChatInfo
		style int
	)
	err := s.db.QueryRowContext(ctx, q, guid, guid, identifier, identifier).Scan(
		&info.ID, &info.Identifier, &info.GUID, &info.DisplayName, &info.Service, &style)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up chat %s%s: %w", identifier, guid, err)
	}
	info.IsGroup = style == 43
	return &info, nil
}

// Participants returns the handles of everyone in a chat.
func (s *Store) Participants(ctx context.Context, chatID int64) ([]string, error) {
	const q = `
SELECT h.id
FROM chat_handle_join chj
JOIN handle h ON h.ROWID = chj.handle_id
WHERE chj.chat_id = ?
ORDER BY h.id`

	rows, err := s.db.QueryContext(ctx, q, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var handles []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		handles = append(handles, h)
	}
	return handles, rows.Err()
}

// MaxRowID returns the current highest message rowid.
func (s *Store) MaxRowID(ctx context.Context) (int64, error) {
	var maxID sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(ROWID) FROM message").Scan(&maxID); err != nil {
		return 0, fmt.Errorf("failed to query max rowid: %w", err)
	}
	return maxID.Int64, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner, chatID int64) (Message, error) {
	var (
		rowID       int64
		guid        string
		replyTo     string
		handleID    sql.NullInt64
		sender      sql.NullString
		text        sql.NullString
		dateNs      sql.NullInt64
		isFromMe    bool
		service     sql.NullString
		attachments int
		body        []byte
	)
	if err := row.Scan(&rowID, &guid, &replyTo, &handleID, &sender, &text, &dateNs, &isFromMe, &service, &attachments, &body); err != nil {
		return Message{}, fmt.Errorf("failed to scan message: %w", err)
	}
	resolvedText := text.String
	if resolvedText == "" {
		resolvedText = parseStreamTyped(body)
	}
	return Message{
		RowID:       rowID,
		ChatID:      chatID,
		GUID:        guid,
		ReplyToGUID: replyTo,
		Sender:      sender.String,
		Text:        resolvedText,
		Date:        appleTime(dateNs.Int64),
		IsFromMe:    isFromMe,
		Service:     service.String,
		HandleID:    handleID,
		Attachments: attachments,
	}, nil
}

// appleTime converts nanoseconds since 2001-01-01 UTC to wall-clock time.
func appleTime(ns int64) time.Time {
	return time.Unix(0, ns).Add(time.Duration(AppleEpochOffset) * time.Second)
}

func resolvePath(p string) (string, bool) {
	if p == "" {
		return "", true
	}
	if strings.HasPrefix(p, "~") {
		home, _ := os.UserHomeDir()
		p = strings.Replace(p, "~", home, 1)
	}
	exists := false
	if info, err := os.Stat(p); err == nil && !info.IsDir() {
		exists = true
	}
	return p, !exists
}

// parseStreamTyped attempts to recover plain text from an attributedBody
// typedstream blob. It looks for the known start/end sentinels and decodes
// the UTF-8 payload between them.
func parseStreamTyped(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	const (
		startA = 0x01
		startB = 0x2b
		endA   = 0x86
		endB   = 0x84
	)

	if idx := bytes.Index(body, []byte{startA, startB}); idx >= 0 && idx+2 < len(body) {
		body = body[idx+2:]
	}
	if idx := bytes.Index(body, []byte{endA, endB}); idx >= 0 {
		body = body[:idx]
	}

	out := string(bytes.ToValidUTF8(body, nil))
	// Typedstream payloads often lead with control bytes; drop them.
	out = strings.TrimLeftFunc(out, func(r rune) bool { return r < 32 })
	return out
}

// columnExists checks if a column is present on a table, used for older schemas.
func (s *Store) columnExists(ctx context.Context, table, column string) bool {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   sql.NullString
			notnull sql.NullInt64
			dflt    sql.NullString
			pk      sql.NullInt64
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if strings.EqualFold(name, column) {
			return true
		}
	}
	return false
}
