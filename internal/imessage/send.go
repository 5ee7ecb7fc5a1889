package imessage

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// InputError marks a send failure caused by the request rather than by
// Messages.app, so callers can report it as a bad request.
type InputError struct {
	msg string
}

func (e *InputError) Error() string { return e.msg }

func inputErrorf(format string, args ...any) error {
	return &InputError{msg: fmt.Sprintf(format, args...)}
}

// SendOpts describes one outbound message. Exactly one of To or
// ChatIdentifier/ChatGUID must address the target.
type SendOpts struct {
	To             string // individual handle (phone or email)
	ChatIdentifier string // group chat identifier from chat.db
	ChatGUID       string // group chat guid from chat.db
	Text           string
	FilePath       string // optional attachment
	Service        string // "auto", "imessage" or "sms"
	Region         string // phone region for normalization, default US
}

// ReactionOpts describes one outbound tapback.
type ReactionOpts struct {
	Kind       string // tapback kind, see db.Tapback* constants
	Emoji      string // emoji payload, required for custom tapbacks
	TargetText string // text of the message being reacted to
	ChatName   string // display name of the chat holding it
}

// Sender sends messages and tapbacks through Messages.app.
type Sender interface {
	Send(ctx context.Context, opts SendOpts) error
	SendReaction(ctx context.Context, opts ReactionOpts) error
}

// OSAScriptSender drives Messages.app with osascript. Scripts are written to
// a temp file and executed by path so message bodies never pass through
// shell quoting.
type OSAScriptSender struct {
	log     zerolog.Logger
	timeout time.Duration

	// runScript is swapped in tests.
	runScript func(ctx context.Context, script string) error
}

// NewSender returns a sender that shells out to osascript.
func NewSender(log zerolog.Logger) *OSAScriptSender {
	s := &OSAScriptSender{log: log, timeout: 30 * time.Second}
	s.runScript = s.runOSAScript
	return s
}

// Send delivers opts.Text (and optionally a file) to the target. Individual
// sends try three addressing forms in order, because which one works depends
// on whether a conversation with the recipient already exists.
func (s *OSAScriptSender) Send(ctx context.Context, opts SendOpts) error {
	if opts.Text == "" && opts.FilePath == "" {
		return inputErrorf("nothing to send: text and file both empty")
	}
	if opts.FilePath != "" {
		if _, err := os.Stat(opts.FilePath); err != nil {
			return inputErrorf("attachment not readable: %s", opts.FilePath)
		}
	}

	group := opts.ChatIdentifier != "" || opts.ChatGUID != ""
	if group == (opts.To != "") {
		return inputErrorf("exactly one of recipient or chat target required")
	}

	var scripts []string
	if group {
		scripts = []string{groupScript(opts)}
	} else {
		recipient := opts.To
		if !strings.Contains(recipient, "@") {
			recipient = NormalizePhoneE164(recipient, opts.Region)
		}
		scripts = []string{
			buddyScript(recipient, opts),
			participantScript(recipient, opts),
			newConversationScript(recipient, opts),
		}
	}

	var lastErr error
	for i, script := range scripts {
		if err := s.runScript(ctx, script); err != nil {
			lastErr = err
			s.log.Debug().Err(err).Int("attempt", i+1).Msg("send attempt failed")
			continue
		}
		return nil
	}
	return fmt.Errorf("failed to send message: %w", lastErr)
}

// SendReaction drives the tapback UI through System Events. This needs
// Accessibility permission and a visible Messages window; it is best effort.
// Standard kinds click their menu item; custom tapbacks type the emoji into
// the picker.
func (s *OSAScriptSender) SendReaction(ctx context.Context, opts ReactionOpts) error {
	var action string
	if opts.Kind == "custom" {
		if opts.Emoji == "" {
			return inputErrorf("custom tapback needs an emoji")
		}
		action = fmt.Sprintf(`keystroke %s
		delay 0.3
		keystroke return`, quoteAppleScript(opts.Emoji))
	} else {
		item, ok := tapbackMenuItem[opts.Kind]
		if !ok {
			return inputErrorf("unknown tapback kind %q", opts.Kind)
		}
		action = fmt.Sprintf(`click menu item "%s" of menu 1 of last group of scroll area 2 of splitter group 1 of window 1`, item)
	}
	if opts.TargetText == "" || opts.ChatName == "" {
		return inputErrorf("tapback needs the target message text and chat name")
	}

	script := fmt.Sprintf(`
tell application "Messages" to activate
delay 0.5
tell application "System Events"
	tell process "Messages"
		set frontmost to true
		keystroke "f" using {command down}
		delay 0.3
		keystroke %s
		delay 0.5
		keystroke return
		delay 0.5
	end tell
end tell
tell application "System Events"
	tell process "Messages"
		-- Long-press equivalent: context menu on the last message bubble.
		perform action "AXShowMenu" of last group of scroll area 2 of splitter group 1 of window 1
		delay 0.3
		%s
	end tell
end tell`,
		quoteAppleScript(opts.ChatName), action)

	if err := s.runScript(ctx, script); err != nil {
		return fmt.Errorf("failed to send tapback (Accessibility permission required): %w", err)
	}
	return nil
}

var tapbackMenuItem = map[string]string{
	"love":     "Love",
	"like":     "Like",
	"dislike":  "Dislike",
	"laugh":    "Laugh",
	"emphasis": "Emphasize",
	"question": "Question",
}

func buddyScript(recipient string, opts SendOpts) string {
	return fmt.Sprintf(`tell application "Messages"
	set targetService to 1st service whose service type = %s
	set targetBuddy to buddy %s of targetService
	%s
end tell`, serviceType(opts.Service), quoteAppleScript(recipient), sendLines("targetBuddy", opts))
}

func participantScript(recipient string, opts SendOpts) string {
	q := quoteAppleScript(recipient)
	return fmt.Sprintf(`tell application "Messages"
	set targetChat to 1st chat whose participants contains participant %s
	%s
end tell`, q, sendLines("targetChat", opts))
}

func newConversationScript(recipient string, opts SendOpts) string {
	return fmt.Sprintf(`tell application "Messages"
	set targetService to 1st account whose service type = %s
	set targetParticipant to participant %s of targetService
	%s
end tell`, serviceType(opts.Service), quoteAppleScript(recipient), sendLines("targetParticipant", opts))
}

func groupScript(opts SendOpts) string {
	target := opts.ChatGUID
	field := "id"
	if target == "" {
		target = opts.ChatIdentifier
		field = "chat identifier"
	}
	return fmt.Sprintf(`tell application "Messages"
	set targetChat to 1st chat whose %s = %s
	%s
end tell`, field, quoteAppleScript(target), sendLines("targetChat", opts))
}

// sendLines builds the send statements for a resolved target variable.
func sendLines(target string, opts SendOpts) string {
	var lines []string
	if opts.Text != "" {
		lines = append(lines, fmt.Sprintf("send %s to %s", quoteAppleScript(opts.Text), target))
	}
	if opts.FilePath != "" {
		lines = append(lines, fmt.Sprintf("send POSIX file %s to %s", quoteAppleScript(opts.FilePath), target))
	}
	return strings.Join(lines, "\n\t")
}

func serviceType(service string) string {
	if strings.EqualFold(service, "sms") {
		return "SMS"
	}
	return "iMessage"
}

func quoteAppleScript(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	return "\"" + s + "\""
}

// runOSAScript writes the script to a temp file and runs osascript on it.
func (s *OSAScriptSender) runOSAScript(ctx context.Context, script string) error {
	path := filepath.Join(os.TempDir(), "imsg-"+uuid.New().String()+".applescript")
	if err := os.WriteFile(path, []byte(script), 0o600); err != nil {
		return fmt.Errorf("failed to write script: %w", err)
	}
	defer func() { _ = os.Remove(path) }()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "osascript", path).CombinedOutput()
	if err != nil {
		return fmt.Errorf("osascript failed: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}
