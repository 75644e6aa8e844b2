package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/bus"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/session/dto"
	"github.com/agentdock/agentdock/pkg/stream"
)

func newStreamServer(t *testing.T, dir SessionDirectory, busClient bus.Client) *httptest.Server {
	t.Helper()

	h := NewStreamHandler(dir, busClient, &staticVerifier{token: "good-token", subject: "user-1"}, logger.Default())
	router := gin.New()
	router.GET("/api/v1/sessions/:id/stream", h.Handle)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func ownedSession(id, owner string) *dto.SessionDetail {
	return &dto.SessionDetail{SessionID: id, Status: "running", OwnerUserID: owner}
}

func TestStreamRejectsBadToken(t *testing.T) {
	busClient := bus.NewMemoryClient(logger.Default())
	dir := &fakeDirectory{sessions: map[string]*dto.SessionDetail{
		"s-1": ownedSession("s-1", "user-1"),
	}}
	srv := newStreamServer(t, dir, busClient)

	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL(srv, "/api/v1/sessions/s-1/stream?token=wrong"), nil)
	require.NoError(t, err)
	defer conn.Close()

	assertClosedWith(t, conn, CloseUnauthorized)
}

func TestStreamRejectsUnknownSession(t *testing.T) {
	busClient := bus.NewMemoryClient(logger.Default())
	dir := &fakeDirectory{sessions: map[string]*dto.SessionDetail{}}
	srv := newStreamServer(t, dir, busClient)

	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL(srv, "/api/v1/sessions/missing/stream?token=good-token"), nil)
	require.NoError(t, err)
	defer conn.Close()

	assertClosedWith(t, conn, CloseSessionNotFound)
}

func TestStreamRejectsForeignSession(t *testing.T) {
	busClient := bus.NewMemoryClient(logger.Default())
	dir := &fakeDirectory{sessions: map[string]*dto.SessionDetail{
		"s-1": ownedSession("s-1", "someone-else"),
	}}
	srv := newStreamServer(t, dir, busClient)

	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL(srv, "/api/v1/sessions/s-1/stream?token=good-token"), nil)
	require.NoError(t, err)
	defer conn.Close()

	assertClosedWith(t, conn, CloseForbidden)
}

func TestStreamAcceptsSubprotocolToken(t *testing.T) {
	busClient := bus.NewMemoryClient(logger.Default())
	dir := &fakeDirectory{sessions: map[string]*dto.SessionDetail{
		"s-1": ownedSession("s-1", "user-1"),
	}}
	srv := newStreamServer(t, dir, busClient)

	dialer := gorillaws.Dialer{Subprotocols: []string{"good-token"}}
	conn, resp, err := dialer.Dial(wsURL(srv, "/api/v1/sessions/s-1/stream"), nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "good-token", resp.Header.Get("Sec-WebSocket-Protocol"))

	frame := readFrame(t, conn)
	assert.Equal(t, "system", frame["type"])
	assert.Equal(t, "session_connected", frame["event"])
}

func TestStreamBridgesOutputAndPrompts(t *testing.T) {
	ctx := context.Background()
	busClient := bus.NewMemoryClient(logger.Default())
	dir := &fakeDirectory{sessions: map[string]*dto.SessionDetail{
		"s-1": ownedSession("s-1", "user-1"),
	}}
	srv := newStreamServer(t, dir, busClient)

	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL(srv, "/api/v1/sessions/s-1/stream?token=good-token"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// The hello frame arrives once the bridge has subscribed, so anything
	// published after this point must be delivered.
	frame := readFrame(t, conn)
	require.Equal(t, "session_connected", frame["event"])
	data, ok := frame["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "s-1", data["session_id"])

	// Output envelopes pass their payload straight through.
	env, err := stream.NewOutput("s-1", map[string]interface{}{"type": "assistant", "content": "hello"})
	require.NoError(t, err)
	raw, err := env.Encode()
	require.NoError(t, err)
	_, err = busClient.Publish(ctx, bus.OutputTopic("s-1"), raw)
	require.NoError(t, err)

	frame = readFrame(t, conn)
	assert.Equal(t, "assistant", frame["type"])
	assert.Equal(t, "hello", frame["content"])

	// Result envelopes are unwrapped into the terminal frame shape.
	resEnv, err := stream.NewResult("s-1", &stream.Result{
		Subtype:      "success",
		Result:       "done",
		TotalCostUSD: 0.25,
	})
	require.NoError(t, err)
	raw, err = resEnv.Encode()
	require.NoError(t, err)
	_, err = busClient.Publish(ctx, bus.OutputTopic("s-1"), raw)
	require.NoError(t, err)

	frame = readFrame(t, conn)
	assert.Equal(t, "result", frame["type"])
	assert.Equal(t, "success", frame["subtype"])
	assert.Equal(t, "done", frame["result"])
	assert.InDelta(t, 0.25, frame["total_cost_usd"], 1e-9)

	// Prompts land on the session input queue.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "prompt", "prompt": "continue"}))

	require.Eventually(t, func() bool {
		raw, err := busClient.Pop(ctx, bus.InputKey("s-1"))
		if err != nil || raw == nil {
			return false
		}
		input, err := stream.DecodeInput(raw)
		return err == nil && input.Prompt == "continue"
	}, 2*time.Second, 10*time.Millisecond)

	// Pings are answered in-band.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	frame = readFrame(t, conn)
	assert.Equal(t, "pong", frame["type"])
}

func TestStreamRelaysChildResults(t *testing.T) {
	ctx := context.Background()
	busClient := bus.NewMemoryClient(logger.Default())
	dir := &fakeDirectory{sessions: map[string]*dto.SessionDetail{
		"s-1": ownedSession("s-1", "user-1"),
	}}
	srv := newStreamServer(t, dir, busClient)

	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL(srv, "/api/v1/sessions/s-1/stream?token=good-token"), nil)
	require.NoError(t, err)
	defer conn.Close()
	readFrame(t, conn) // hello

	env := stream.NewChildResult("s-1", "s-child", json.RawMessage(`{"subtype":"success","result":"child done"}`))
	raw, err := env.Encode()
	require.NoError(t, err)
	_, err = busClient.Publish(ctx, bus.ChildrenTopic("s-1"), raw)
	require.NoError(t, err)

	frame := readFrame(t, conn)
	assert.Equal(t, "child_result", frame["type"])
	assert.Equal(t, "s-child", frame["child_session_id"])

	result, ok := frame["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "child done", result["result"])
}

func TestStreamRelaysErrorEnvelopes(t *testing.T) {
	ctx := context.Background()
	busClient := bus.NewMemoryClient(logger.Default())
	dir := &fakeDirectory{sessions: map[string]*dto.SessionDetail{
		"s-1": ownedSession("s-1", "user-1"),
	}}
	srv := newStreamServer(t, dir, busClient)

	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL(srv, "/api/v1/sessions/s-1/stream?token=good-token"), nil)
	require.NoError(t, err)
	defer conn.Close()
	readFrame(t, conn) // hello

	env := stream.NewError("s-1", "agent process crashed")
	raw, err := env.Encode()
	require.NoError(t, err)
	_, err = busClient.Publish(ctx, bus.OutputTopic("s-1"), raw)
	require.NoError(t, err)

	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	data, ok := frame["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "agent process crashed", data["error"])
}

func TestStreamIgnoresMalformedClientFrames(t *testing.T) {
	ctx := context.Background()
	busClient := bus.NewMemoryClient(logger.Default())
	dir := &fakeDirectory{sessions: map[string]*dto.SessionDetail{
		"s-1": ownedSession("s-1", "user-1"),
	}}
	srv := newStreamServer(t, dir, busClient)

	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL(srv, "/api/v1/sessions/s-1/stream?token=good-token"), nil)
	require.NoError(t, err)
	defer conn.Close()
	readFrame(t, conn) // hello

	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "unknown"}))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "prompt"})) // empty prompt

	// The bridge must still be alive and translating.
	env, err := stream.NewOutput("s-1", map[string]interface{}{"type": "system", "subtype": "init"})
	require.NoError(t, err)
	raw, err := env.Encode()
	require.NoError(t, err)
	_, err = busClient.Publish(ctx, bus.OutputTopic("s-1"), raw)
	require.NoError(t, err)

	frame := readFrame(t, conn)
	assert.Equal(t, "system", frame["type"])

	// Nothing was queued for the empty prompt.
	queued, err := busClient.Pop(ctx, bus.InputKey("s-1"))
	require.NoError(t, err)
	assert.Nil(t, queued)
}
