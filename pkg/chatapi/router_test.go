package chatapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/curiochat/curio/pkg/cancelbus"
	"github.com/curiochat/curio/pkg/orchestrator"
	"github.com/curiochat/curio/pkg/persistence/chatstore"
	"github.com/curiochat/curio/pkg/registry"
	"github.com/curiochat/curio/pkg/upstream"
)

type stubStream struct {
	lines chan string
}

func (s *stubStream) Lines() <-chan string { return s.lines }
func (s *stubStream) Err() error           { return nil }
func (s *stubStream) Close() error         { return nil }

type stubUpstream struct {
	mu      sync.Mutex
	pending []*stubStream
}

func (u *stubUpstream) queue(lines ...string) *stubStream {
	st := &stubStream{lines: make(chan string, 32)}
	for _, l := range lines {
		st.lines <- l
	}
	u.mu.Lock()
	u.pending = append(u.pending, st)
	u.mu.Unlock()
	return st
}

func (u *stubUpstream) pendingCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.pending)
}

func (u *stubUpstream) Open(context.Context, upstream.Request) (upstream.LineStream, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.pending) == 0 {
		return nil, errors.New("stub upstream: no stream queued")
	}
	st := u.pending[0]
	u.pending = u.pending[1:]
	return st, nil
}

type apiRig struct {
	server *httptest.Server
	up     *stubUpstream
	store  *chatstore.MemoryStore
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()
	reg := registry.New()
	bus := cancelbus.NewMemoryBus()
	store := chatstore.NewMemoryStore()
	up := &stubUpstream{}

	orch, err := orchestrator.New(reg, bus, store, up, orchestrator.WithPollInterval(50*time.Millisecond))
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(context.Background())
	go func() { _ = orch.Run(runCtx) }()

	rt, err := NewRouter(orch, store)
	require.NoError(t, err)
	server := httptest.NewServer(rt.Handler())

	t.Cleanup(func() {
		server.Close()
		cancel()
		_ = bus.Close()
	})
	return &apiRig{server: server, up: up, store: store}
}

func postStream(t *testing.T, rig *apiRig, chatID, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(rig.server.URL+"/api/chats/"+chatID+"/stream", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestStreamEndpointForwardsDeltasAsSSE(t *testing.T) {
	rig := newAPIRig(t)
	st := rig.up.queue(`data: {"delta":"hi"}`, `data: {"delta":" there"}`)
	close(st.lines)

	resp := postStream(t, rig, "chat-1", `{"session_id":"s1","user_id":"u1","child_id":"kid1","question":"hello?"}`)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	require.Contains(t, text, `"delta":"hi"`)
	require.Contains(t, text, `"delta":" there"`)
	require.Contains(t, text, "event: done")
	require.Contains(t, text, `"cancelled":false`)
}

func TestStreamEndpointRequiresQuestion(t *testing.T) {
	rig := newAPIRig(t)

	resp := postStream(t, rig, "chat-1", `{"session_id":"s1","question":"  "}`)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2 := postStream(t, rig, "chat-1", `not json`)
	defer func() { _ = resp2.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestStreamEndpointRejectsDuplicateSession(t *testing.T) {
	rig := newAPIRig(t)
	st := rig.up.queue(`data: {"delta":"first"}`) // stays open

	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := http.Post(rig.server.URL+"/api/chats/chat-1/stream", "application/json",
			strings.NewReader(`{"session_id":"s1","question":"hello?"}`))
		if err != nil {
			return
		}
		_, _ = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
	}()

	// Wait for the first request to claim the upstream stream so the probes
	// below cannot race it for the session slot.
	require.Eventually(t, func() bool {
		return rig.up.pendingCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		resp, err := http.Post(rig.server.URL+"/api/chats/chat-1/stream", "application/json",
			strings.NewReader(`{"session_id":"s1","question":"hello again?"}`))
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		return resp.StatusCode == http.StatusConflict
	}, 2*time.Second, 50*time.Millisecond)

	close(st.lines)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first stream did not finish")
	}
}

func TestCancelEndpointUnknownKey(t *testing.T) {
	rig := newAPIRig(t)

	resp, err := http.Post(rig.server.URL+"/api/chats/chat-1/sessions/s1/cancel", "application/json", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, false, out["cancelled"])
}

func TestCancelEndpointStopsRunningStream(t *testing.T) {
	rig := newAPIRig(t)
	// Never closed by upstream; only the cancel ends this turn.
	rig.up.queue(`data: {"delta":"foo"}`, `data: {"delta":"bar"}`)

	// A watcher on the chat feed tells us when both deltas have been applied,
	// so the cancel cannot race ahead of them.
	wsURL := "ws" + strings.TrimPrefix(rig.server.URL, "http") + "/ws/chats/chat-1"
	watcher, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = watcher.Close() }()

	type streamResult struct {
		status int
		body   string
	}
	resCh := make(chan streamResult, 1)
	go func() {
		resp, err := http.Post(rig.server.URL+"/api/chats/chat-1/stream", "application/json",
			strings.NewReader(`{"session_id":"s1","question":"hello?"}`))
		if err != nil {
			resCh <- streamResult{status: -1}
			return
		}
		b, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		resCh <- streamResult{status: resp.StatusCode, body: string(b)}
	}()

	require.NoError(t, watcher.SetReadDeadline(time.Now().Add(2*time.Second)))
	for i := 0; i < 2; i++ {
		_, _, err := watcher.ReadMessage()
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		resp, err := http.Post(rig.server.URL+"/api/chats/chat-1/sessions/s1/cancel", "application/json", nil)
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		var out map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return false
		}
		return out["cancelled"] == true
	}, 2*time.Second, 50*time.Millisecond)

	select {
	case res := <-resCh:
		require.Equal(t, http.StatusOK, res.status)
		require.Contains(t, res.body, "event: done")
		require.Contains(t, res.body, `"cancelled":true`)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not terminate after cancel")
	}

	msgs, err := rig.store.Messages(context.Background(), "chat-1")
	require.NoError(t, err)
	var assistant []chatstore.Message
	for _, m := range msgs {
		if m.Role == chatstore.RoleAssistant {
			assistant = append(assistant, m)
		}
	}
	require.Len(t, assistant, 1)
	require.Equal(t, "foobar", assistant[0].Content)
	require.True(t, assistant[0].StoppedByUser)
}

func TestMessagesEndpoint(t *testing.T) {
	rig := newAPIRig(t)
	ctx := context.Background()
	require.NoError(t, rig.store.EnsureChat(ctx, "chat-1", "u1", "kid1"))
	require.NoError(t, rig.store.AppendQuestion(ctx, "chat-1", "why?"))
	require.NoError(t, rig.store.AppendResponse(ctx, "chat-1", "because", nil, false))

	resp, err := http.Get(rig.server.URL + "/api/chats/chat-1/messages")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		ChatID   string              `json:"chat_id"`
		Messages []chatstore.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "chat-1", out.ChatID)
	require.Len(t, out.Messages, 2)
	require.Equal(t, "why?", out.Messages[0].Content)
}

func TestWebSocketWatchersReceiveChunkFrames(t *testing.T) {
	rig := newAPIRig(t)

	wsURL := "ws" + strings.TrimPrefix(rig.server.URL, "http") + "/ws/chats/chat-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	st := rig.up.queue(`data: {"delta":"hi"}`)
	close(st.lines)

	resp := postStream(t, rig, "chat-1", `{"session_id":"s1","question":"hello?"}`)
	_, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var out chunkFrame
	require.NoError(t, json.Unmarshal(frame, &out))
	require.Equal(t, "chunk", out.Type)
	require.Equal(t, "chat-1", out.ChatID)
	require.Equal(t, "hi", out.Delta)
}

func TestHealthz(t *testing.T) {
	rig := newAPIRig(t)
	resp, err := http.Get(rig.server.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
