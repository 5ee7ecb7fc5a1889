package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jonathanwilner/imsg-rpc/internal/chatcache"
	"github.com/jonathanwilner/imsg-rpc/internal/db"
	"github.com/jonathanwilner/imsg-rpc/internal/imessage"
	"github.com/jonathanwilner/imsg-rpc/internal/watch"
)

func decodeParams(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(v); err != nil {
		return invalidParams("malformed params: %v", err)
	}
	return nil
}

// clampLimit applies the per-method default and treats limit<=0 as 1.
func clampLimit(limit *int, def int) int {
	if limit == nil {
		return def
	}
	if *limit <= 0 {
		return 1
	}
	return *limit
}

func (s *Server) handleChatsList(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		Limit *int `json:"limit"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	chats, err := s.store.ListChats(ctx, clampLimit(params.Limit, 20))
	if err != nil {
		return nil, err
	}

	out := make([]wireChat, 0, len(chats))
	for _, c := range chats {
		wc := wireChat{
			ID:            c.ID,
			Name:          c.Name,
			Identifier:    c.Identifier,
			Service:       c.Service,
			LastMessageAt: isoTime(c.LastMessageAt),
			Participants:  []string{},
		}
		if entry, err := s.cache.Get(ctx, c.ID); err == nil {
			wc.Participants = entry.Participants
			wc.IsGroup = entry.IsGroup
		}
		out = append(out, wc)
	}
	return map[string]any{"chats": out}, nil
}

func (s *Server) handleHistory(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		ChatID       *int64   `json:"chat_id"`
		Limit        *int     `json:"limit"`
		Participants []string `json:"participants"`
		Start        string   `json:"start"`
		End          string   `json:"end"`
		Attachments  bool     `json:"attachments"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.ChatID == nil {
		return nil, invalidParams("chat_id required")
	}
	if _, err := s.cache.Get(ctx, *params.ChatID); err != nil {
		if errors.Is(err, chatcache.ErrNotFound) {
			return nil, invalidParams("unknown chat_id %d", *params.ChatID)
		}
		return nil, err
	}
	f, err := newFilter(params.Participants, params.Start, params.End)
	if err != nil {
		return nil, err
	}

	msgs, err := s.store.MessagesByChat(ctx, *params.ChatID, clampLimit(params.Limit, 50))
	if err != nil {
		return nil, err
	}

	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		if !f.match(m) {
			continue
		}
		wm, err := s.shapeMessage(ctx, m, params.Attachments)
		if err != nil {
			return nil, err
		}
		out = append(out, wm)
	}
	return map[string]any{"messages": out}, nil
}

func (s *Server) handleSubscribe(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		ChatID       int64    `json:"chat_id"`
		SinceRowID   *int64   `json:"since_rowid"`
		Participants []string `json:"participants"`
		Start        string   `json:"start"`
		End          string   `json:"end"`
		Attachments  bool     `json:"attachments"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.ChatID != 0 {
		if _, err := s.cache.Get(ctx, params.ChatID); err != nil {
			if errors.Is(err, chatcache.ErrNotFound) {
				return nil, invalidParams("unknown chat_id %d", params.ChatID)
			}
			return nil, err
		}
	}
	f, err := newFilter(params.Participants, params.Start, params.End)
	if err != nil {
		return nil, err
	}

	var watermark int64
	if params.SinceRowID != nil {
		watermark = *params.SinceRowID
	} else {
		watermark, err = s.store.MaxRowID(ctx)
		if err != nil {
			return nil, err
		}
	}

	// ctx is connection-scoped, so the worker dies with the connection even
	// if the client never unsubscribes.
	workerCtx, cancel := context.WithCancel(ctx)
	subID := s.addSubscription(cancel)

	s.workers.Add(1)
	go s.runSubscription(workerCtx, subID, watermark, params.ChatID, f, params.Attachments)

	s.log.Debug().Int64("subscription", subID).Int64("watermark", watermark).Int64("chat_id", params.ChatID).Msg("subscribed")
	return map[string]any{"subscription": subID}, nil
}

// runSubscription drains the watcher through the filter into message
// notifications. Any failure produces one error notification and ends the
// worker.
func (s *Server) runSubscription(ctx context.Context, subID, watermark, chatID int64, f *filter, includeAttachments bool) {
	defer s.workers.Done()
	defer s.removeSubscription(subID)

	opts := []watch.Option{watch.WithLogger(s.log)}
	if s.notifier != nil {
		wake, cancelWake := s.notifier.Subscribe()
		defer cancelWake()
		opts = append(opts, watch.WithWake(wake))
	}
	watcher := watch.New(s.store, s.watchCfg, opts...)

	err := watcher.Run(ctx, watermark, chatID, func(m db.Message) error {
		if !f.match(m) {
			return nil
		}
		wm, err := s.shapeMessage(ctx, m, includeAttachments)
		if err != nil {
			return err
		}
		return s.writer.writeFrame(notification{
			JSONRPC: "2.0",
			Method:  "message",
			Params:  map[string]any{"subscription": subID, "message": wm},
		})
	})
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	s.log.Warn().Err(err).Int64("subscription", subID).Msg("subscription worker failed")
	_ = s.writer.writeFrame(notification{
		JSONRPC: "2.0",
		Method:  "error",
		Params: map[string]any{
			"subscription": subID,
			"error":        map[string]any{"message": err.Error()},
		},
	})
}

func (s *Server) handleUnsubscribe(_ context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		Subscription *int64 `json:"subscription"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Subscription == nil {
		return nil, invalidParams("subscription required")
	}
	// Unknown ids also return ok so retried unsubscribes are harmless.
	s.removeSubscription(*params.Subscription)
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleSend(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		To             string `json:"to"`
		ChatID         *int64 `json:"chat_id"`
		ChatIdentifier string `json:"chat_identifier"`
		ChatGUID       string `json:"chat_guid"`
		Text           string `json:"text"`
		File           string `json:"file"`
		Service        string `json:"service"`
		Region         string `json:"region"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	hasChatTarget := params.ChatID != nil || params.ChatIdentifier != "" || params.ChatGUID != ""
	if hasChatTarget == (params.To != "") {
		return nil, invalidParams("exactly one of to or a chat target (chat_id, chat_identifier, chat_guid) required")
	}
	if params.Text == "" && params.File == "" {
		return nil, invalidParams("one of text or file required")
	}
	service := params.Service
	if service == "" {
		service = "auto"
	}
	switch strings.ToLower(service) {
	case "auto", "imessage", "sms":
	default:
		return nil, invalidParams("service must be auto, imessage or sms")
	}
	region := params.Region
	if region == "" {
		region = s.defaultRegion
	}

	identifier, guid := params.ChatIdentifier, params.ChatGUID
	if params.ChatID != nil {
		entry, err := s.cache.Get(ctx, *params.ChatID)
		if err != nil {
			if errors.Is(err, chatcache.ErrNotFound) {
				return nil, invalidParams("unknown chat_id %d", *params.ChatID)
			}
			return nil, err
		}
		identifier, guid = entry.Identifier, entry.GUID
	}

	err := s.sender.Send(ctx, imessage.SendOpts{
		To:             params.To,
		ChatIdentifier: identifier,
		ChatGUID:       guid,
		Text:           params.Text,
		FilePath:       params.File,
		Service:        service,
		Region:         region,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleSendReaction(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		GUID           string `json:"guid"`
		Reaction       string `json:"reaction"`
		ChatID         *int64 `json:"chat_id"`
		ChatIdentifier string `json:"chat_identifier"`
		ChatGUID       string `json:"chat_guid"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.GUID == "" {
		return nil, invalidParams("guid required")
	}
	if params.Reaction == "" {
		return nil, invalidParams("reaction required")
	}
	kind, emoji := parseReaction(params.Reaction)

	msg, err := s.store.MessageByGUID(ctx, params.GUID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, invalidParams("unknown message guid %q", params.GUID)
	}

	var chatName string
	switch {
	case params.ChatID != nil:
		entry, err := s.cache.Get(ctx, *params.ChatID)
		if err != nil {
			if errors.Is(err, chatcache.ErrNotFound) {
				return nil, invalidParams("unknown chat_id %d", *params.ChatID)
			}
			return nil, err
		}
		chatName = chatDisplay(entry)
	case params.ChatIdentifier != "" || params.ChatGUID != "":
		// The sender needs the name Messages displays, not the raw
		// identifier, so resolve the target through the store.
		info, err := s.store.ChatInfoByTarget(ctx, params.ChatIdentifier, params.ChatGUID)
		if err != nil {
			return nil, err
		}
		if info == nil {
			return nil, invalidParams("unknown chat target %s%s", params.ChatIdentifier, params.ChatGUID)
		}
		chatName = info.DisplayName
		if chatName == "" {
			chatName = info.Identifier
		}
	default:
		entry, err := s.cache.Get(ctx, msg.ChatID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve chat for message %s: %w", params.GUID, err)
		}
		chatName = chatDisplay(entry)
	}

	err = s.sender.SendReaction(ctx, imessage.ReactionOpts{
		Kind:       kind,
		Emoji:      emoji,
		TargetText: msg.Text,
		ChatName:   chatName,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

// parseReaction maps a reaction parameter to a tapback kind and its emoji.
// Known kind names and their standard emoji both work; anything else is a
// custom tapback carrying the supplied text as its emoji (the sender decides
// whether it can deliver it).
func parseReaction(reaction string) (kind, emoji string) {
	r := strings.ToLower(strings.TrimSpace(reaction))
	switch r {
	case db.TapbackLove, db.TapbackLike, db.TapbackDislike,
		db.TapbackLaugh, db.TapbackEmphasis, db.TapbackQuestion:
		return r, db.TapbackEmoji(r)
	}
	for _, k := range []string{
		db.TapbackLove, db.TapbackLike, db.TapbackDislike,
		db.TapbackLaugh, db.TapbackEmphasis, db.TapbackQuestion,
	} {
		if reaction == db.TapbackEmoji(k) {
			return k, reaction
		}
	}
	return db.TapbackCustom, strings.TrimSpace(reaction)
}

func (s *Server) handleContactsSearch(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		Query string `json:"query"`
		Limit *int   `json:"limit"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Query == "" {
		return nil, invalidParams("query required")
	}

	matches, err := s.contacts.Search(ctx, params.Query, clampLimit(params.Limit, 10))
	if errors.Is(err, imessage.ErrUnauthorized) {
		return map[string]any{"matches": []wireContactMatch{}, "warning": "contacts_unavailable"}, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]wireContactMatch, 0, len(matches))
	for _, m := range matches {
		out = append(out, wireContactMatch{Name: m.Name, Handles: m.Handles})
	}
	return map[string]any{"matches": out}, nil
}

func (s *Server) handleContactsResolve(ctx context.Context, raw json.RawMessage) (any, error) {
	var params struct {
		Handles []string `json:"handles"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if len(params.Handles) == 0 {
		return nil, invalidParams("handles required")
	}

	names, err := s.contacts.Resolve(ctx, params.Handles)
	if errors.Is(err, imessage.ErrUnauthorized) {
		return map[string]any{"contacts": []wireResolvedContact{}, "warning": "contacts_unavailable"}, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]wireResolvedContact, 0, len(names))
	for _, h := range params.Handles {
		if name, ok := names[h]; ok {
			out = append(out, wireResolvedContact{Handle: h, Name: name})
		}
	}
	return map[string]any{"contacts": out}, nil
}

// shapeMessage attaches chat context (and optionally attachments and
// reactions) to one message row.
func (s *Server) shapeMessage(ctx context.Context, m db.Message, includeAttachments bool) (wireMessage, error) {
	wm := wireMessage{
		ID:           m.RowID,
		ChatID:       m.ChatID,
		GUID:         m.GUID,
		ReplyToGUID:  m.ReplyToGUID,
		Sender:       m.Sender,
		IsFromMe:     m.IsFromMe,
		Text:         m.Text,
		CreatedAt:    isoTime(m.Date),
		Participants: []string{},
	}

	if m.ChatID != 0 {
		entry, err := s.cache.Get(ctx, m.ChatID)
		if err != nil && !errors.Is(err, chatcache.ErrNotFound) {
			return wireMessage{}, err
		}
		if err == nil {
			wm.ChatIdentifier = entry.Identifier
			wm.ChatGUID = entry.GUID
			wm.ChatName = chatDisplay(entry)
			wm.Participants = entry.Participants
			wm.IsGroup = entry.IsGroup
		}
	}

	if includeAttachments {
		if m.Attachments > 0 {
			attachments, err := s.store.AttachmentsByMessage(ctx, m.RowID)
			if err != nil {
				return wireMessage{}, err
			}
			wm.Attachments = shapeAttachments(attachments)
		}
		reactions, err := s.store.ReactionsByMessage(ctx, m.RowID)
		if err != nil {
			return wireMessage{}, err
		}
		wm.Reactions = shapeReactions(reactions)
	}
	return wm, nil
}

func chatDisplay(entry chatcache.Entry) string {
	if entry.DisplayName != "" {
		return entry.DisplayName
	}
	return entry.Identifier
}
