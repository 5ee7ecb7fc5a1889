package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jonathanwilner/imsg-rpc/internal/chatcache"
	"github.com/jonathanwilner/imsg-rpc/internal/db"
	"github.com/jonathanwilner/imsg-rpc/internal/imessage"
	"github.com/jonathanwilner/imsg-rpc/internal/watch"
)

// maxFrameBytes bounds one inbound line. Message bodies are small; this
// leaves generous headroom for large history requests.
const maxFrameBytes = 10 * 1024 * 1024

// Server dispatches JSON-RPC requests over one connection. A Server is
// single-use: construct, Serve, discard.
type Server struct {
	store    *db.Store
	cache    *chatcache.Cache
	sender   imessage.Sender
	contacts imessage.Contacts
	watchCfg watch.Config
	notifier *watch.Notifier
	log      zerolog.Logger

	defaultRegion string

	writer   *lineWriter
	handlers map[string]handlerFunc

	mu        sync.Mutex
	nextSubID int64
	subs      map[int64]context.CancelFunc
	workers   sync.WaitGroup
	requests  sync.WaitGroup
}

type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Option configures a Server.
type Option func(*Server)

// WithNotifier wires a filesystem notifier that wakes subscription pollers.
func WithNotifier(n *watch.Notifier) Option {
	return func(s *Server) { s.notifier = n }
}

// WithWatchConfig overrides the poll loop tuning.
func WithWatchConfig(cfg watch.Config) Option {
	return func(s *Server) { s.watchCfg = cfg }
}

// WithDefaultRegion sets the phone region used when a send request carries
// none.
func WithDefaultRegion(region string) Option {
	return func(s *Server) {
		if region != "" {
			s.defaultRegion = region
		}
	}
}

// NewServer builds a server over an open store and its collaborators.
func NewServer(store *db.Store, sender imessage.Sender, contacts imessage.Contacts, log zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		store:         store,
		cache:         chatcache.New(store),
		sender:        sender,
		contacts:      contacts,
		log:           log,
		defaultRegion: "US",
		subs:          make(map[int64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handlers = map[string]handlerFunc{
		"chats.list":        s.handleChatsList,
		"messages.history":  s.handleHistory,
		"watch.subscribe":   s.handleSubscribe,
		"watch.unsubscribe": s.handleUnsubscribe,
		"send":              s.handleSend,
		"reactions.send":    s.handleSendReaction,
		"contacts.search":   s.handleContactsSearch,
		"contacts.resolve":  s.handleContactsResolve,
	}
	return s
}

// Serve reads frames from r until EOF or ctx cancellation, dispatching each
// request on its own goroutine so a slow handler never stalls the reader.
// On return all subscription workers have been cancelled and drained.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.writer = newLineWriter(w)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		frame := append([]byte(nil), line...)
		s.requests.Add(1)
		go func() {
			defer s.requests.Done()
			s.dispatch(ctx, frame)
		}()
	}

	// EOF or read error: tear down every subscription, then wait for all
	// in-flight work so nothing writes to a dead stream later.
	cancel()
	s.cancelAllSubscriptions()
	s.requests.Wait()
	s.workers.Wait()

	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("read loop failed: %w", err)
	}
	return nil
}

// dispatch validates one frame and routes it to a handler.
func (s *Server) dispatch(ctx context.Context, line []byte) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber() // ids echo back verbatim, numbers included

	var raw any
	if err := dec.Decode(&raw); err != nil {
		s.writeError(nil, codeParseError, "parse error")
		return
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		s.writeError(nil, codeInvalidRequest, "request must be an object")
		return
	}

	id, hasID := obj["id"]

	if v, present := obj["jsonrpc"]; present {
		if ver, ok := v.(string); !ok || ver != "2.0" {
			s.writeError(id, codeInvalidRequest, "unsupported jsonrpc version")
			return
		}
	}

	method, _ := obj["method"].(string)
	if method == "" {
		s.writeError(id, codeInvalidRequest, "method required")
		return
	}

	handler, ok := s.handlers[method]
	if !ok {
		s.writeError(id, codeMethodNotFound, fmt.Sprintf("unknown method %q", method))
		return
	}

	// An explicit null is equivalent to omitting params.
	params := json.RawMessage("{}")
	if p, present := obj["params"]; present && p != nil {
		if _, ok := p.(map[string]any); !ok {
			s.writeError(id, codeInvalidParams, "params must be an object")
			return
		}
		params, _ = json.Marshal(p)
	}

	result, err := handler(ctx, params)
	if err != nil {
		var badParams *invalidParamsError
		var badInput *imessage.InputError
		switch {
		case errors.As(err, &badParams), errors.As(err, &badInput):
			s.writeError(id, codeInvalidParams, err.Error())
		default:
			s.log.Error().Err(err).Str("method", method).Msg("handler failed")
			s.writeError(id, codeInternalError, err.Error())
		}
		return
	}

	// Notification semantics: success without an id produces no frame.
	if !hasID {
		return
	}
	_ = s.writer.writeFrame(response{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) writeError(id any, code int, msg string) {
	_ = s.writer.writeFrame(response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &wireError{Code: code, Message: msg},
	})
}

// addSubscription allocates the next id and registers the worker's cancel.
func (s *Server) addSubscription(cancel context.CancelFunc) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = cancel
	return id
}

// removeSubscription cancels and forgets a subscription. It reports whether
// the id was live, though unsubscribe ignores that (idempotence).
func (s *Server) removeSubscription(id int64) bool {
	s.mu.Lock()
	cancel, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *Server) cancelAllSubscriptions() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.subs))
	for id, cancel := range s.subs {
		cancels = append(cancels, cancel)
		delete(s.subs, id)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
