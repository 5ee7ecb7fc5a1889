package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Reaction is a tapback attached to another message.
type Reaction struct {
	RowID    int64
	Kind     string
	Emoji    string
	Sender   string
	IsFromMe bool
	Date     time.Time
}

// Tapback kinds. Custom covers the newer send-any-emoji tapbacks.
const (
	TapbackLove     = "love"
	TapbackLike     = "like"
	TapbackDislike  = "dislike"
	TapbackLaugh    = "laugh"
	TapbackEmphasis = "emphasis"
	TapbackQuestion = "question"
	TapbackCustom   = "custom"
)

var tapbackEmoji = map[string]string{
	TapbackLove:     "❤️",
	TapbackLike:     "\U0001f44d",
	TapbackDislike:  "\U0001f44e",
	TapbackLaugh:    "\U0001f602",
	TapbackEmphasis: "‼️",
	TapbackQuestion: "❓",
}

// TapbackEmoji returns the emoji rendered for a tapback kind, or the empty
// string for unknown kinds.
func TapbackEmoji(kind string) string {
	return tapbackEmoji[kind]
}

// ReactionsByMessage returns the tapbacks attached to a message rowid.
//
// Reactions are stored differently across macOS versions:
//   - legacy: associated_message_type 2000-2005
//   - custom emoji: type 2006 with associated_message_emoji
//   - modern text form: type 0 with text like `Loved "..."`
//
// The association GUID may carry a part prefix (p:0/GUID) or a bp: prefix,
// so all three spellings are matched.
func (s *Store) ReactionsByMessage(ctx context.Context, messageID int64) ([]Reaction, error) {
	var guid sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT guid FROM message WHERE ROWID = ?", messageID).Scan(&guid)
	if err == sql.ErrNoRows || (err == nil && guid.String == "") {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query message guid: %w", err)
	}

	emojiCol := "''"
	if s.hasTapbackEmoji {
		emojiCol = "IFNULL(m.associated_message_emoji, '')"
	}
	q := fmt.Sprintf(`
SELECT m.ROWID, IFNULL(m.associated_message_type, 0), IFNULL(m.text, ''), %s,
       h.id, m.is_from_me, m.date
FROM message m
LEFT JOIN handle h ON m.handle_id = h.ROWID
WHERE m.associated_message_guid IS NOT NULL
  AND (m.associated_message_guid = ?
       OR m.associated_message_guid LIKE 'p:%%/' || ?
       OR m.associated_message_guid = 'bp:' || ?)
ORDER BY m.ROWID ASC`, emojiCol)

	rows, err := s.db.QueryContext(ctx, q, guid.String, guid.String, guid.String)
	if err != nil {
		return nil, fmt.Errorf("failed to query reactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Reaction
	for rows.Next() {
		var (
			rowID    int64
			typ      int
			text     string
			emoji    string
			sender   sql.NullString
			isFromMe bool
			dateNs   sql.NullInt64
		)
		if err := rows.Scan(&rowID, &typ, &text, &emoji, &sender, &isFromMe, &dateNs); err != nil {
			return nil, fmt.Errorf("failed to scan reaction: %w", err)
		}
		kind, rendered, ok := classifyTapback(typ, text, emoji)
		if !ok {
			continue
		}
		out = append(out, Reaction{
			RowID:    rowID,
			Kind:     kind,
			Emoji:    rendered,
			Sender:   sender.String,
			IsFromMe: isFromMe,
			Date:     appleTime(dateNs.Int64),
		})
	}
	return out, rows.Err()
}

// classifyTapback maps a raw reaction row to a kind and emoji. Rows in the
// 3000 range are tapback removals and are skipped.
func classifyTapback(typ int, text, emoji string) (kind, rendered string, ok bool) {
	switch typ {
	case 2000:
		return TapbackLove, tapbackEmoji[TapbackLove], true
	case 2001:
		return TapbackLike, tapbackEmoji[TapbackLike], true
	case 2002:
		return TapbackDislike, tapbackEmoji[TapbackDislike], true
	case 2003:
		return TapbackLaugh, tapbackEmoji[TapbackLaugh], true
	case 2004:
		return TapbackEmphasis, tapbackEmoji[TapbackEmphasis], true
	case 2005:
		return TapbackQuestion, tapbackEmoji[TapbackQuestion], true
	case 2006, 2007:
		if emoji == "" {
			return "", "", false
		}
		return TapbackCustom, emoji, true
	case 0:
		// Newer macOS stores some reactions as plain text rows.
		switch {
		case strings.HasPrefix(text, "Loved "):
			return TapbackLove, tapbackEmoji[TapbackLove], true
		case strings.HasPrefix(text, "Liked "):
			return TapbackLike, tapbackEmoji[TapbackLike], true
		case strings.HasPrefix(text, "Disliked "):
			return TapbackDislike, tapbackEmoji[TapbackDislike], true
		case strings.HasPrefix(text, "Laughed at "):
			return TapbackLaugh, tapbackEmoji[TapbackLaugh], true
		case strings.HasPrefix(text, "Emphasized "):
			return TapbackEmphasis, tapbackEmoji[TapbackEmphasis], true
		case strings.HasPrefix(text, "Questioned "):
			return TapbackQuestion, tapbackEmoji[TapbackQuestion], true
		}
	}
	return "", "", false
}
