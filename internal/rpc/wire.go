// Package rpc implements the line-delimited JSON-RPC 2.0 server speaking
// the Messages bridge protocol over a byte stream.
package rpc

import (
	"fmt"
	"time"

	"github.com/jonathanwilner/imsg-rpc/internal/db"
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type response struct {
	JSONRPC string     `json:"jsonrpc"`
	ID      any        `json:"id"`
	Result  any        `json:"result,omitempty"`
	Error   *wireError `json:"error,omitempty"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// invalidParamsError marks a handler failure that maps to -32602.
type invalidParamsError struct {
	msg string
}

func (e *invalidParamsError) Error() string { return e.msg }

func invalidParams(format string, args ...any) error {
	return &invalidParamsError{msg: fmt.Sprintf(format, args...)}
}

// Wire shapes. Timestamps go out as ISO-8601 UTC strings.

type wireChat struct {
	ID            int64    `json:"id"`
	Name          string   `json:"name"`
	Identifier    string   `json:"identifier"`
	Service       string   `json:"service"`
	LastMessageAt string   `json:"last_message_at"`
	Participants  []string `json:"participants"`
	IsGroup       bool     `json:"is_group"`
}

type wireMessage struct {
	ID          int64  `json:"id"`
	ChatID      int64  `json:"chat_id"`
	GUID        string `json:"guid"`
	ReplyToGUID string `json:"reply_to_guid,omitempty"`
	Sender      string `json:"sender"`
	IsFromMe    bool   `json:"is_from_me"`
	Text        string `json:"text"`
	CreatedAt   string `json:"created_at"`

	Attachments []wireAttachment `json:"attachments,omitempty"`
	Reactions   []wireReaction   `json:"reactions,omitempty"`

	ChatIdentifier string   `json:"chat_identifier"`
	ChatGUID       string   `json:"chat_guid"`
	ChatName       string   `json:"chat_name"`
	Participants   []string `json:"participants"`
	IsGroup        bool     `json:"is_group"`
}

type wireAttachment struct {
	Filename     string `json:"filename"`
	TransferName string `json:"transfer_name"`
	UTI          string `json:"uti"`
	MimeType     string `json:"mime_type"`
	TotalBytes   int64  `json:"total_bytes"`
	IsSticker    bool   `json:"is_sticker"`
	Path         string `json:"path"`
	Missing      bool   `json:"missing"`
}

type wireReaction struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"`
	Emoji     string `json:"emoji"`
	Sender    string `json:"sender"`
	IsFromMe  bool   `json:"is_from_me"`
	CreatedAt string `json:"created_at"`
}

type wireContactMatch struct {
	Name    string   `json:"name"`
	Handles []string `json:"handles"`
}

type wireResolvedContact struct {
	Handle string `json:"handle"`
	Name   string `json:"name"`
}

func isoTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func shapeReactions(reactions []db.Reaction) []wireReaction {
	out := make([]wireReaction, 0, len(reactions))
	for _, r := range reactions {
		out = append(out, wireReaction{
			ID:        r.RowID,
			Kind:      r.Kind,
			Emoji:     r.Emoji,
			Sender:    r.Sender,
			IsFromMe:  r.IsFromMe,
			CreatedAt: isoTime(r.Date),
		})
	}
	return out
}

func shapeAttachments(attachments []db.Attachment) []wireAttachment {
	out := make([]wireAttachment, 0, len(attachments))
	for _, a := range attachments {
		out = append(out, wireAttachment{
			Filename:     a.Filename,
			TransferName: a.TransferName,
			UTI:          a.UTI,
			MimeType:     a.MimeType,
			TotalBytes:   a.TotalBytes,
			IsSticker:    a.IsSticker,
			Path:         a.Path,
			Missing:      a.Missing,
		})
	}
	return out
}
