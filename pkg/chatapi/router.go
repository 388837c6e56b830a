// Package chatapi is the HTTP surface of the chat service: starting a
// streaming turn, cancelling one, reading history, and attaching websocket
// watchers to a chat's live chunk feed.
package chatapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/curiochat/curio/pkg/orchestrator"
	"github.com/curiochat/curio/pkg/persistence/chatstore"
	"github.com/curiochat/curio/pkg/registry"
	"github.com/curiochat/curio/pkg/session"
)

const defaultPoolIdleTimeout = 5 * time.Minute

type Router struct {
	orch  *orchestrator.Orchestrator
	store chatstore.Store
	mux   *http.ServeMux

	upgrader websocket.Upgrader

	poolsMu         sync.Mutex
	pools           map[string]*ConnectionPool
	poolIdleTimeout time.Duration
}

func NewRouter(orch *orchestrator.Orchestrator, store chatstore.Store) (*Router, error) {
	if orch == nil {
		return nil, errors.New("chatapi: orchestrator is nil")
	}
	if store == nil {
		return nil, errors.New("chatapi: store is nil")
	}
	rt := &Router{
		orch:  orch,
		store: store,
		mux:   http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		pools:           map[string]*ConnectionPool{},
		poolIdleTimeout: defaultPoolIdleTimeout,
	}
	rt.mux.HandleFunc("POST /api/chats/{chatID}/stream", rt.handleStream)
	rt.mux.HandleFunc("POST /api/chats/{chatID}/sessions/{sessionID}/cancel", rt.handleCancel)
	rt.mux.HandleFunc("GET /api/chats/{chatID}/messages", rt.handleMessages)
	rt.mux.HandleFunc("GET /ws/chats/{chatID}", rt.handleWS)
	rt.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	return rt, nil
}

func (rt *Router) Handler() http.Handler {
	return rt.mux
}

type streamRequestBody struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	ChildID   string `json:"child_id"`
	Question  string `json:"question"`
}

type chunkFrame struct {
	Type      string `json:"type"`
	ChatID    string `json:"chat_id"`
	SessionID string `json:"session_id"`
	Delta     string `json:"delta"`
}

func (rt *Router) handleStream(w http.ResponseWriter, req *http.Request) {
	chatID := req.PathValue("chatID")

	var body streamRequestBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}
	sessionID := strings.TrimSpace(body.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	forward := func(delta string) error {
		frame := chunkFrame{Type: "chunk", ChatID: chatID, SessionID: sessionID, Delta: delta}
		rt.broadcast(chatID, frame)
		return sse.SendData(frame)
	}

	res, err := rt.orch.StreamTurn(req.Context(), orchestrator.TurnRequest{
		ChatID:    chatID,
		SessionID: sessionID,
		UserID:    body.UserID,
		ChildID:   body.ChildID,
		Question:  body.Question,
	}, forward)
	if err != nil {
		rt.finishWithError(sse, w, chatID, sessionID, err)
		return
	}

	// Everything already forwarded stays on the client's screen; the terminal
	// frame only says how the turn ended.
	switch res.Reason {
	case orchestrator.ReasonUpstreamError:
		_ = sse.SendEvent("error", map[string]any{
			"chat_id":    chatID,
			"session_id": sessionID,
			"message":    "upstream stream failed",
		})
	default:
		_ = sse.SendEvent("done", map[string]any{
			"chat_id":    chatID,
			"session_id": sessionID,
			"cancelled":  res.CancelledByUser,
			"reason":     string(res.Reason),
		})
	}
}

func (rt *Router) finishWithError(sse *sseWriter, w http.ResponseWriter, chatID, sessionID string, err error) {
	if !sse.Started() {
		if errors.Is(err, registry.ErrDuplicateSession) {
			writeError(w, http.StatusConflict, "a stream for this session is already running")
			return
		}
		log.Error().Err(err).Str("component", "chatapi").Str("chat_id", chatID).Msg("stream failed before start")
		writeError(w, http.StatusInternalServerError, "failed to start stream")
		return
	}
	log.Error().Err(err).Str("component", "chatapi").Str("chat_id", chatID).Str("session_id", sessionID).Msg("stream finished with error")
	_ = sse.SendEvent("error", map[string]any{
		"chat_id":    chatID,
		"session_id": sessionID,
		"message":    "stream failed",
	})
}

func (rt *Router) handleCancel(w http.ResponseWriter, req *http.Request) {
	key, err := session.NewKey(req.PathValue("chatID"), req.PathValue("sessionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session key")
		return
	}
	ok, err := rt.orch.RequestCancel(req.Context(), key)
	if err != nil {
		log.Error().Err(err).Str("component", "chatapi").Str("session", key.String()).Msg("cancel request failed")
		writeError(w, http.StatusInternalServerError, "cancel request failed")
		return
	}
	// An unknown or already-finished key is a normal outcome, not an error.
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": ok})
}

func (rt *Router) handleMessages(w http.ResponseWriter, req *http.Request) {
	chatID := req.PathValue("chatID")
	msgs, err := rt.store.Messages(req.Context(), chatID)
	if err != nil {
		log.Error().Err(err).Str("component", "chatapi").Str("chat_id", chatID).Msg("history query failed")
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat_id": chatID, "messages": msgs})
}

func (rt *Router) handleWS(w http.ResponseWriter, req *http.Request) {
	chatID := req.PathValue("chatID")
	conn, err := rt.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "chatapi").Str("chat_id", chatID).Msg("ws upgrade failed")
		return
	}
	pool := rt.pool(chatID)
	pool.Add(conn)
	log.Info().Str("component", "chatapi").Str("chat_id", chatID).Str("remote", conn.RemoteAddr().String()).Msg("ws attached")

	go func() {
		defer pool.Remove(conn)
		for {
			// Watchers only receive; any read error means the peer is gone.
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (rt *Router) pool(chatID string) *ConnectionPool {
	rt.poolsMu.Lock()
	defer rt.poolsMu.Unlock()
	if p, ok := rt.pools[chatID]; ok {
		return p
	}
	p := NewConnectionPool(chatID, rt.poolIdleTimeout, func() {
		rt.poolsMu.Lock()
		delete(rt.pools, chatID)
		rt.poolsMu.Unlock()
	})
	rt.pools[chatID] = p
	return p
}

func (rt *Router) broadcast(chatID string, frame chunkFrame) {
	rt.poolsMu.Lock()
	p, ok := rt.pools[chatID]
	rt.poolsMu.Unlock()
	if !ok {
		return
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return
	}
	p.Broadcast(b)
}

func (rt *Router) CloseAllPools() {
	rt.poolsMu.Lock()
	pools := make([]*ConnectionPool, 0, len(rt.pools))
	for id, p := range rt.pools {
		pools = append(pools, p)
		delete(rt.pools, id)
	}
	rt.poolsMu.Unlock()
	for _, p := range pools {
		p.CloseAll()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
