package chat

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pocketd/internal/engine"
	"pocketd/pkg/types"
)

// ErrUnansweredTurn is returned by Send when the last message is a user
// message without a reply. Regenerate answers it.
var ErrUnansweredTurn = errors.New("last user message has no reply; regenerate it instead")

// EventKind names a session notification.
type EventKind string

const (
	EventMessages EventKind = "messages"
	EventDelta    EventKind = "delta"
	EventFinish   EventKind = "finish"
	EventError    EventKind = "error"
	EventStop     EventKind = "stop"
)

// Event is delivered to subscribers after the session state changed.
type Event struct {
	Kind     EventKind
	Messages []types.ChatMessage
	Delta    string
	Content  string
	Meta     *types.MessageMeta
	Err      error
}

// API converts e to its wire form.
func (e Event) API() types.ChatEvent {
	out := types.ChatEvent{
		Type:     string(e.Kind),
		Delta:    e.Delta,
		Content:  e.Content,
		Meta:     e.Meta,
		Messages: e.Messages,
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return out
}

// Options configure a Session.
type Options struct {
	// SystemPrompt is sent before the history of every turn.
	SystemPrompt string
	// Generation applies before per-call options.
	Generation types.GenerationParams
	Logger     zerolog.Logger
}

// Session is a conversation against an engine with at most one turn in flight.
type Session struct {
	eng    engine.Engine
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	messages []types.ChatMessage
	turn     *turn
	last     *turn
	// outbox holds events in the order their state changes happened.
	outbox []Event

	// emitMu serializes deliveries. It is never acquired while s.mu is held,
	// so subscribers may read session state.
	emitMu  sync.Mutex
	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

// turn is one streamed reply. Callbacks from a turn that is no longer the
// session's active one are ignored.
type turn struct {
	assistantID string
	ctrl        *Controller
	cancel      context.CancelFunc
	// done is closed once the turn's final events were delivered.
	done chan struct{}
}

// NewSession returns an empty session.
func NewSession(eng engine.Engine, opts Options) *Session {
	return &Session{
		eng:    eng,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "chat").Logger(),
		subs:   make(map[int]func(Event)),
	}
}

// Messages returns a copy of the history.
func (s *Session) Messages() []types.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

func (s *Session) copyLocked() []types.ChatMessage {
	out := make([]types.ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// IsStreaming reports whether a turn is in flight.
func (s *Session) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn != nil
}

// Subscribe registers fn for every event and returns a func removing it.
// fn runs without session locks held and may read state, but must not call
// the session's mutating methods.
func (s *Session) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// queueLocked appends evs to the outbox. s.mu must be held.
func (s *Session) queueLocked(evs ...Event) {
	s.outbox = append(s.outbox, evs...)
}

// flush delivers queued events until the outbox is empty. On return every
// event queued before the call has reached the subscribers.
func (s *Session) flush() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	for {
		s.mu.Lock()
		evs := s.outbox
		s.outbox = nil
		s.mu.Unlock()
		if len(evs) == 0 {
			return
		}
		s.deliverLocked(evs...)
	}
}

// deliverLocked calls subscribers. s.emitMu must be held.
func (s *Session) deliverLocked(evs ...Event) {
	s.subMu.Lock()
	subs := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()
	for _, ev := range evs {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// Send appends text as a user message and streams the reply. It returns
// immediately; blank text, a turn already in flight or an engine that is not
// ready make it a no-op.
func (s *Session) Send(ctx context.Context, text string, opts ...engine.GenerateOption) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	s.mu.Lock()
	if s.turn != nil || !s.eng.IsReady() {
		s.mu.Unlock()
		return nil
	}
	if n := len(s.messages); n > 0 && s.messages[n-1].Role == types.RoleUser {
		s.mu.Unlock()
		return ErrUnansweredTurn
	}
	s.startLocked(ctx, text, opts)
	s.mu.Unlock()
	s.flush()
	return nil
}

// Regenerate drops the last user message and everything after it, then
// sends that message again. It is a no-op while streaming, when the engine
// is not ready or when there is no user message.
func (s *Session) Regenerate(ctx context.Context, opts ...engine.GenerateOption) error {
	s.mu.Lock()
	if s.turn != nil || !s.eng.IsReady() {
		s.mu.Unlock()
		return nil
	}
	idx := -1
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == types.RoleUser {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return nil
	}
	text := s.messages[idx].Content
	s.messages = s.messages[:idx]
	s.startLocked(ctx, text, opts)
	s.mu.Unlock()
	s.flush()
	return nil
}

// startLocked appends the user message and an empty assistant placeholder,
// queues the resulting history and starts the turn. s.mu must be held.
func (s *Session) startLocked(ctx context.Context, text string, opts []engine.GenerateOption) {
	history := make([]types.Message, 0, len(s.messages)+2)
	if s.opts.SystemPrompt != "" {
		history = append(history, types.Message{Role: types.RoleSystem, Content: s.opts.SystemPrompt})
	}
	for _, m := range s.messages {
		history = append(history, types.Message{Role: m.Role, Content: m.Content})
	}
	history = append(history, types.Message{Role: types.RoleUser, Content: text})

	t := &turn{assistantID: uuid.NewString(), done: make(chan struct{})}
	s.messages = append(s.messages,
		types.ChatMessage{ID: uuid.NewString(), Role: types.RoleUser, Content: text},
		types.ChatMessage{ID: t.assistantID, Role: types.RoleAssistant},
	)
	s.turn = t
	s.last = t
	s.queueLocked(Event{Kind: EventMessages, Messages: s.copyLocked()})

	all := append([]engine.GenerateOption{engine.WithParams(s.opts.Generation)}, opts...)
	ctx, t.cancel = context.WithCancel(ctx)
	t.ctrl = StreamChat(ctx, s.eng, engine.Msgs(history...), Callbacks{
		OnDelta:  func(delta, full string) { s.onDelta(t, delta, full) },
		OnFinish: func(full string, meta types.MessageMeta) { s.onFinish(t, full, meta) },
		OnError:  func(err error) { s.onError(t, err) },
		OnStop:   func() { s.onStop(t) },
	}, all...)
	s.logger.Debug().Int("history", len(history)).Msg("turn_start")
}

// assistantLocked returns the index of t's assistant message or -1.
func (s *Session) assistantLocked(t *turn) int {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == t.assistantID {
			return i
		}
	}
	return -1
}

// endLocked detaches t. s.mu must be held and t must be the active turn.
// The caller closes t.done after delivering the turn's last events.
func (s *Session) endLocked(t *turn) {
	s.turn = nil
}

// dropEmptyAssistantLocked removes t's assistant message if nothing was streamed into it.
func (s *Session) dropEmptyAssistantLocked(t *turn) {
	if i := s.assistantLocked(t); i >= 0 && s.messages[i].Content == "" {
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
	}
}

func (s *Session) onDelta(t *turn, delta, full string) {
	s.mu.Lock()
	if s.turn != t {
		s.mu.Unlock()
		return
	}
	if i := s.assistantLocked(t); i >= 0 {
		s.messages[i].Content = full
	}
	s.queueLocked(Event{Kind: EventDelta, Delta: delta, Content: full})
	s.mu.Unlock()
	s.flush()
}

func (s *Session) onFinish(t *turn, full string, meta types.MessageMeta) {
	s.mu.Lock()
	if s.turn != t {
		s.mu.Unlock()
		return
	}
	var mp *types.MessageMeta
	if meta.StopReason != "" || meta.Usage != nil {
		mp = &meta
	}
	if i := s.assistantLocked(t); i >= 0 {
		s.messages[i].Content = full
		s.messages[i].Meta = mp
	}
	s.endLocked(t)
	s.queueLocked(Event{Kind: EventFinish, Content: full, Meta: mp}, Event{Kind: EventMessages, Messages: s.copyLocked()})
	s.mu.Unlock()
	s.logger.Debug().Str("stop_reason", meta.StopReason).Msg("turn_finish")
	s.flush()
	close(t.done)
}

func (s *Session) onError(t *turn, err error) {
	s.mu.Lock()
	if s.turn != t {
		s.mu.Unlock()
		return
	}
	s.dropEmptyAssistantLocked(t)
	s.endLocked(t)
	s.queueLocked(Event{Kind: EventError, Err: err}, Event{Kind: EventMessages, Messages: s.copyLocked()})
	s.mu.Unlock()
	s.logger.Error().Err(err).Msg("turn_error")
	s.flush()
	close(t.done)
}

func (s *Session) onStop(t *turn) {
	s.mu.Lock()
	if s.turn != t {
		s.mu.Unlock()
		return
	}
	s.dropEmptyAssistantLocked(t)
	s.endLocked(t)
	s.queueLocked(Event{Kind: EventStop}, Event{Kind: EventMessages, Messages: s.copyLocked()})
	s.mu.Unlock()
	s.flush()
	close(t.done)
}

// Stop interrupts the engine and ends the active turn, keeping any partial
// reply. Without an active turn it only interrupts the engine.
func (s *Session) Stop() {
	s.mu.Lock()
	t := s.turn
	s.mu.Unlock()
	if t == nil {
		s.eng.InterruptGenerate()
		return
	}
	t.ctrl.Stop()
	s.onStop(t)
}

// Clear empties the history. An active turn is canceled and its late
// callbacks are ignored; the engine's model stays loaded.
func (s *Session) Clear() {
	s.mu.Lock()
	t := s.turn
	if t != nil {
		s.endLocked(t)
	}
	s.messages = nil
	s.queueLocked(Event{Kind: EventMessages, Messages: []types.ChatMessage{}})
	s.mu.Unlock()
	if t != nil {
		t.cancel()
	}
	s.flush()
	if t != nil {
		close(t.done)
	}
}

// Wait blocks until the latest turn settled and its final events were
// delivered, or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	t := s.last
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
