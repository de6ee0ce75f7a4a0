package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pocketd/internal/chat"
	"pocketd/internal/engine"
	"pocketd/pkg/types"
)

var errAlreadyStreaming = errors.New("a reply is already streaming")

func (s *server) chatMessages() types.ChatMessagesResponse {
	return types.ChatMessagesResponse{Messages: s.Chat.Messages(), Streaming: s.Chat.IsStreaming()}
}

func (s *server) handleChatMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.chatMessages())
}

// handleChatSend sends a user message and streams session events until the
// reply settles.
//
// @Summary  Send a chat message
// @Accept   json
// @Produce  application/x-ndjson
// @Param    body  body      types.ChatSendRequest  true  "Message"
// @Success  200   {object}  types.ChatEvent
// @Failure  409   {object}  types.ErrorResponse
// @Router   /chat/send [post]
func (s *server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var req types.ChatSendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSONError(w, http.StatusBadRequest, "text is required")
		return
	}
	s.streamTurn(w, r, "chat_send", func(ctx context.Context) error {
		return s.Chat.Send(ctx, req.Text, engine.WithParams(req.GenerationParams))
	})
}

func (s *server) handleChatRegenerate(w http.ResponseWriter, r *http.Request) {
	s.streamTurn(w, r, "chat_regenerate", func(ctx context.Context) error {
		return s.Chat.Regenerate(ctx)
	})
}

// streamTurn starts a turn with start and writes every session event as
// NDJSON until the turn settles or the client goes away.
func (s *server) streamTurn(w http.ResponseWriter, r *http.Request, name string, start func(context.Context) error) {
	if !s.Engine.IsReady() {
		writeError(w, engine.ErrEngineNotReady)
		return
	}
	if s.Chat.IsStreaming() {
		writeJSONError(w, http.StatusConflict, errAlreadyStreaming.Error())
		return
	}
	rl := startRequestLog(r, name, nil)
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()

	nw := newNDJSON(w, rl)
	defer nw.close()
	unsubscribe := s.Chat.Subscribe(func(ev chat.Event) { _ = nw.write(ev.API()) })
	defer unsubscribe()

	if err := start(ctx); err != nil {
		status := statusFor(err)
		if nw.hasStarted() {
			_ = nw.write(types.ChatEvent{Type: string(chat.EventError), Error: err.Error()})
		} else {
			writeError(w, err)
		}
		rl.end(status, err)
		return
	}
	if !s.Chat.IsStreaming() && !nw.hasStarted() {
		// Nothing to answer, e.g. regenerate without a user message.
		_ = nw.write(types.ChatEvent{Type: string(chat.EventMessages), Messages: s.Chat.Messages()})
		rl.end(http.StatusOK, nil)
		return
	}
	if err := s.Chat.Wait(ctx); err != nil {
		rl.end(http.StatusOK, err)
		return
	}
	rl.end(http.StatusOK, nil)
}

func (s *server) handleChatStop(w http.ResponseWriter, r *http.Request) {
	s.Chat.Stop()
	writeJSON(w, http.StatusOK, s.chatMessages())
}

func (s *server) handleChatClear(w http.ResponseWriter, r *http.Request) {
	s.Chat.Clear()
	writeJSON(w, http.StatusOK, s.chatMessages())
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		if !corsEnabled {
			return true
		}
		origin := r.Header.Get("Origin")
		for _, o := range corsAllowedOrigins {
			if o == "*" || o == origin {
				return true
			}
		}
		return origin == ""
	},
}

const wsWriteWait = 10 * time.Second

// wsConn serializes writes to a websocket.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(ev types.ChatEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(ev)
}

// handleChatWS streams session events over a websocket and accepts
// ChatCommand frames. The first frame is the current history.
func (s *server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zlog.Warn().Err(err).Msg("ws_upgrade_failed")
		return
	}
	defer conn.Close()
	wsConnections.Inc()
	defer wsConnections.Dec()
	ws := &wsConn{conn: conn}
	ctx, cancel := context.WithCancel(serverBaseCtx)
	defer cancel()

	unsubscribe := s.Chat.Subscribe(func(ev chat.Event) {
		if err := ws.send(ev.API()); err != nil {
			cancel()
		}
	})
	defer unsubscribe()
	if err := ws.send(types.ChatEvent{Type: string(chat.EventMessages), Messages: s.Chat.Messages()}); err != nil {
		return
	}
	zlog.Info().Str("remote", r.RemoteAddr).Msg("ws_open")

	for ctx.Err() == nil {
		var cmd types.ChatCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				zlog.Debug().Err(err).Msg("ws_read_failed")
			}
			break
		}
		if err := s.applyCommand(ctx, cmd); err != nil {
			wsCommandsTotal.WithLabelValues(commandLabel(cmd.Type), "error").Inc()
			_ = ws.send(types.ChatEvent{Type: string(chat.EventError), Error: err.Error()})
			continue
		}
		wsCommandsTotal.WithLabelValues(commandLabel(cmd.Type), "ok").Inc()
	}
	zlog.Info().Str("remote", r.RemoteAddr).Msg("ws_close")
}

func (s *server) applyCommand(ctx context.Context, cmd types.ChatCommand) error {
	switch cmd.Type {
	case "send":
		if !s.Engine.IsReady() {
			return engine.ErrEngineNotReady
		}
		return s.Chat.Send(ctx, cmd.Text, engine.WithParams(cmd.GenerationParams))
	case "stop":
		s.Chat.Stop()
	case "regenerate":
		if !s.Engine.IsReady() {
			return engine.ErrEngineNotReady
		}
		return s.Chat.Regenerate(ctx, engine.WithParams(cmd.GenerationParams))
	case "clear":
		s.Chat.Clear()
	default:
		return errors.New("unknown command " + cmd.Type)
	}
	return nil
}

// commandLabel bounds the label values of wsCommandsTotal.
func commandLabel(t string) string {
	switch t {
	case "send", "stop", "regenerate", "clear":
		return t
	}
	return "unknown"
}
