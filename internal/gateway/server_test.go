package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/younfor/chat-work/internal/channel"
	"github.com/younfor/chat-work/internal/config"
	"github.com/younfor/chat-work/internal/dispatch"
	"github.com/younfor/chat-work/internal/domain"
	"github.com/younfor/chat-work/internal/engine"
	"github.com/younfor/chat-work/internal/executor"
	"github.com/younfor/chat-work/internal/hooks"
	"github.com/younfor/chat-work/internal/logging"
	"github.com/younfor/chat-work/internal/sandbox"
	"github.com/younfor/chat-work/internal/session"
	"github.com/younfor/chat-work/internal/streamer"
)

type testGateway struct {
	srv      *Server
	ts       *httptest.Server
	dir      string
	sessions *session.MemoryStore
}

func newTestGateway(t *testing.T, client engine.Client, mutate ...func(*config.Config)) *testGateway {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Defaults()
	cfg.Sandbox.AllowedDirs = []string{dir}
	cfg.Stream.UpdateIntervalMs = 10
	// Long placeholder delay keeps "Thinking..." out of test streams.
	cfg.Stream.PlaceholderAfterMs = 60000
	cfg.Approval.TimeoutSeconds = 5
	for _, m := range mutate {
		m(&cfg)
	}

	log := logging.New(nil, "silent")
	sessions := session.NewMemoryStore(cfg.Session.MaxHistory, cfg.Session.AutoExecute)
	reg := engine.NewRegistry(log)
	reg.Register("mock", client)
	reg.SetFallback("mock")

	policy := sandbox.New(cfg.Sandbox, log)
	exec := executor.New(policy, cfg.Sandbox, log)
	str := streamer.New(cfg.Stream, log)
	hk := hooks.NewManager(log)

	d := dispatch.New(cfg.Approval, sessions, reg, policy, exec, str, hk, log)
	t.Cleanup(d.Close)

	srv := New(cfg, d, policy, exec, log, WithChannels(channel.NewRegistry(log)), WithHooks(hk))
	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return &testGateway{srv: srv, ts: ts, dir: dir, sessions: sessions}
}

func (g *testGateway) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(g.ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func scriptedClient(pieces ...string) *engine.MockClient {
	return &engine.MockClient{
		InvokeFunc: func(_ context.Context, conversationID, _ string, _ []domain.Turn) (<-chan domain.ReplyChunk, error) {
			return engine.ScriptedChunks(conversationID, pieces...), nil
		},
	}
}

// writeFileClient proposes writing *path (resolved at invoke time, so
// the test can point it into the fixture's sandbox dir) and answers
// the action-result round with followup.
func writeFileClient(path *string, followup string) *engine.MockClient {
	return &engine.MockClient{
		InvokeFunc: func(_ context.Context, conversationID, prompt string, _ []domain.Turn) (<-chan domain.ReplyChunk, error) {
			if strings.HasPrefix(prompt, "Action result:") {
				return engine.ScriptedChunks(conversationID, followup), nil
			}
			actionJSON := fmt.Sprintf("{\"action\":\"write_file\",\"path\":%q,\"content\":\"hi from engine\"}", *path)
			return engine.ScriptedChunks(conversationID, "Writing the file.\n```json\n"+actionJSON+"\n```\n"), nil
		},
	}
}

func dialChat(t *testing.T, g *testGateway) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(g.ts.URL, "http") + "/ws/chat"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrames collects frames until one of wantType arrives.
func readFrames(t *testing.T, conn *websocket.Conn, wantType string) []wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frames []wsFrame
	for {
		var f wsFrame
		require.NoError(t, conn.ReadJSON(&f), "waiting for %q frame, got %v", wantType, frames)
		frames = append(frames, f)
		if f.Type == wantType {
			return frames
		}
	}
}

func frameOfType(frames []wsFrame, typ string) *wsFrame {
	for i := range frames {
		if frames[i].Type == typ {
			return &frames[i]
		}
	}
	return nil
}

func joinChunks(frames []wsFrame) string {
	var b strings.Builder
	for _, f := range frames {
		if f.Type == "chunk" {
			b.WriteString(f.Content)
		}
	}
	return b.String()
}

func TestHealthEndpoint(t *testing.T) {
	g := newTestGateway(t, scriptedClient("hi"))

	resp, err := http.Get(g.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
}

func TestNotFoundEndpoint(t *testing.T) {
	g := newTestGateway(t, scriptedClient("hi"))

	resp, err := http.Get(g.ts.URL + "/nonexistent")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "not found", body["error"])
	assert.Equal(t, "/nonexistent", body["path"])
}

func TestChatExchange(t *testing.T) {
	g := newTestGateway(t, scriptedClient("Hello ", "there!"))

	resp := g.post(t, "/api/chat", map[string]any{"message": "hi"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out chatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "Hello there!", out.Response)
	assert.True(t, strings.HasPrefix(out.ConversationID, "api:"), "got %q", out.ConversationID)
	assert.Nil(t, out.Action)
	assert.Nil(t, out.ActionResult)
}

func TestChatEmptyMessage(t *testing.T) {
	g := newTestGateway(t, scriptedClient("hi"))

	resp := g.post(t, "/api/chat", map[string]any{"message": "   "})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "message is required", body.Error)
}

func TestChatMalformedJSON(t *testing.T) {
	g := newTestGateway(t, scriptedClient("hi"))

	resp, err := http.Post(g.ts.URL+"/api/chat", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatReusesConversation(t *testing.T) {
	var mu sync.Mutex
	var histLens []int
	client := &engine.MockClient{
		InvokeFunc: func(_ context.Context, conversationID, _ string, history []domain.Turn) (<-chan domain.ReplyChunk, error) {
			mu.Lock()
			histLens = append(histLens, len(history))
			mu.Unlock()
			return engine.ScriptedChunks(conversationID, "noted"), nil
		},
	}
	g := newTestGateway(t, client)

	for i := 0; i < 2; i++ {
		resp := g.post(t, "/api/chat", map[string]any{"message": "hello", "conversationId": "api:stable"})
		var out chatResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		resp.Body.Close()
		assert.Equal(t, "api:stable", out.ConversationID)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, histLens, 2)
	assert.Equal(t, 0, histLens[0])
	// The second exchange sees the first one's user and assistant turns.
	assert.Equal(t, 2, histLens[1])
}

func TestChatSurfacesActionWithoutExecuting(t *testing.T) {
	var target string
	g := newTestGateway(t, writeFileClient(&target, "All done."))
	target = filepath.Join(g.dir, "notes.txt")

	resp := g.post(t, "/api/chat", map[string]any{"message": "write the file"})
	defer resp.Body.Close()

	var out chatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotNil(t, out.Action)
	assert.Equal(t, domain.ActionWriteFile, out.Action.Kind)
	assert.Equal(t, target, out.Action.Path)
	assert.Nil(t, out.ActionResult)
	assert.NoFileExists(t, target)
}

func TestChatAutoExecutesAction(t *testing.T) {
	var target string
	g := newTestGateway(t, writeFileClient(&target, "All done."))
	target = filepath.Join(g.dir, "notes.txt")

	resp := g.post(t, "/api/chat", map[string]any{"message": "write the file", "autoExecute": true})
	defer resp.Body.Close()

	var out chatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotNil(t, out.ActionResult)
	assert.True(t, out.ActionResult.OK)
	assert.Equal(t, "All done.", out.Response)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "hi from engine", string(data))
}

func TestChatEngineErrorSurfaced(t *testing.T) {
	client := &engine.MockClient{
		InvokeFunc: func(_ context.Context, conversationID, _ string, _ []domain.Turn) (<-chan domain.ReplyChunk, error) {
			return engine.FailingChunks(conversationID, "boom"), nil
		},
	}
	g := newTestGateway(t, client)

	resp := g.post(t, "/api/chat", map[string]any{"message": "hello"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out chatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "boom", out.Err)
	assert.Contains(t, out.Response, "Engine error")
}

func TestExecuteAllowed(t *testing.T) {
	g := newTestGateway(t, scriptedClient("unused"))
	target := filepath.Join(g.dir, "direct.txt")

	resp := g.post(t, "/api/execute", map[string]any{
		"action": map[string]any{"action": "write_file", "path": target, "content": "direct write"},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out executeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Allowed)
	assert.True(t, out.OK)
	assert.Contains(t, out.Result, "✅")

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "direct write", string(data))
}

func TestExecuteDenied(t *testing.T) {
	g := newTestGateway(t, scriptedClient("unused"))

	resp := g.post(t, "/api/execute", map[string]any{
		"action": map[string]any{"action": "execute", "command": "rm -rf /"},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out executeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.False(t, out.Allowed)
	assert.False(t, out.OK)
	assert.Contains(t, out.Result, "Action denied")
}

func TestExecuteMissingAction(t *testing.T) {
	g := newTestGateway(t, scriptedClient("unused"))

	resp := g.post(t, "/api/execute", map[string]any{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "action is required", body.Error)
}

func TestClearEndpoint(t *testing.T) {
	g := newTestGateway(t, scriptedClient("hi"))

	resp := g.post(t, "/api/chat", map[string]any{"message": "hello", "conversationId": "api:wipe"})
	resp.Body.Close()

	turns, err := g.sessions.History(context.Background(), "api:wipe")
	require.NoError(t, err)
	require.Len(t, turns, 2)

	resp = g.post(t, "/api/clear", map[string]any{"conversationId": "api:wipe"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out clearResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "Conversation history cleared.", out.Message)

	turns, err = g.sessions.History(context.Background(), "api:wipe")
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestClearMissingConversation(t *testing.T) {
	g := newTestGateway(t, scriptedClient("hi"))

	resp := g.post(t, "/api/clear", map[string]any{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChannelsEndpoint(t *testing.T) {
	g := newTestGateway(t, scriptedClient("hi"))

	resp, err := http.Get(g.ts.URL + "/api/channels")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out channelsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Empty(t, out.Channels)
}

func TestAuthRequired(t *testing.T) {
	g := newTestGateway(t, scriptedClient("hi"), func(c *config.Config) {
		c.Server.AuthToken = "sekrit"
	})

	// No token: rejected.
	resp := g.post(t, "/api/chat", map[string]any{"message": "hello"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, "unauthorized", body.Error)

	// Bearer header: accepted.
	payload := []byte(`{"message":"hello"}`)
	req, err := http.NewRequest(http.MethodPost, g.ts.URL+"/api/chat", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer sekrit")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	// Query token: accepted (WebSocket clients cannot set headers).
	resp3, err := http.Post(g.ts.URL+"/api/chat?token=sekrit", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)

	// Health stays open for probes.
	resp4, err := http.Get(g.ts.URL + "/health")
	require.NoError(t, err)
	resp4.Body.Close()
	assert.Equal(t, http.StatusOK, resp4.StatusCode)
}

func TestWebSocketChatStreams(t *testing.T) {
	g := newTestGateway(t, scriptedClient("Hello ", "there!"))
	conn := dialChat(t, g)

	require.NoError(t, conn.WriteJSON(map[string]any{"message": "hi"}))

	frames := readFrames(t, conn, "done")
	assert.Equal(t, "Hello there!", joinChunks(frames))
	assert.Equal(t, "Hello there!", frames[len(frames)-1].Content)
}

func TestWebSocketApprovalExecutesOnYes(t *testing.T) {
	var target string
	g := newTestGateway(t, writeFileClient(&target, "File is in place."))
	target = filepath.Join(g.dir, "ws.txt")
	conn := dialChat(t, g)

	require.NoError(t, conn.WriteJSON(map[string]any{"message": "write it"}))

	frames := readFrames(t, conn, "approval")
	require.NotNil(t, frameOfType(frames, "action"))
	approval := frames[len(frames)-1]
	require.NotNil(t, approval.Action)
	assert.Equal(t, domain.ActionWriteFile, approval.Action.Kind)
	assert.NoFileExists(t, target)

	require.NoError(t, conn.WriteJSON(map[string]any{"message": "yes"}))

	frames = readFrames(t, conn, "done")
	require.NotNil(t, frameOfType(frames, "action_result"))
	assert.Contains(t, joinChunks(frames), "File is in place.")
	assert.FileExists(t, target)
}

func TestWebSocketApprovalDeniedSkips(t *testing.T) {
	var target string
	g := newTestGateway(t, writeFileClient(&target, "File is in place."))
	target = filepath.Join(g.dir, "ws.txt")
	conn := dialChat(t, g)

	require.NoError(t, conn.WriteJSON(map[string]any{"message": "write it"}))
	readFrames(t, conn, "approval")

	require.NoError(t, conn.WriteJSON(map[string]any{"message": "no"}))

	frames := readFrames(t, conn, "system")
	assert.Equal(t, "Action skipped.", frames[len(frames)-1].Message)
	assert.NoFileExists(t, target)
}

func TestWebSocketInvalidJSON(t *testing.T) {
	g := newTestGateway(t, scriptedClient("unused"))
	conn := dialChat(t, g)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	frames := readFrames(t, conn, "error")
	assert.Equal(t, "invalid JSON message", frames[len(frames)-1].Message)
}

func TestWebSocketSlashCommand(t *testing.T) {
	g := newTestGateway(t, scriptedClient("unused"))
	conn := dialChat(t, g)

	require.NoError(t, conn.WriteJSON(map[string]any{"message": "/clear"}))

	frames := readFrames(t, conn, "system")
	assert.Equal(t, "Conversation history cleared.", frames[len(frames)-1].Message)
}

func TestWebSocketOriginScreening(t *testing.T) {
	g := newTestGateway(t, scriptedClient("hi"), func(c *config.Config) {
		c.Server.AllowedOrigins = []string{"http://app.example"}
	})
	wsURL := "ws" + strings.TrimPrefix(g.ts.URL, "http") + "/ws/chat"

	hdr := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, hdr)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}

	hdr = http.Header{"Origin": []string{"http://app.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, hdr)
	require.NoError(t, err)
	conn.Close()
}

func TestServerStartAndShutdown(t *testing.T) {
	g := newTestGateway(t, scriptedClient("hi"), func(c *config.Config) {
		c.Server.Port = 0 // let the OS pick
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- g.srv.Start(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
