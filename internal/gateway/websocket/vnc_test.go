package websocket

import (
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/session/dto"
)

func newVNCServer(t *testing.T, dir SessionDirectory, resolver ContainerResolver, port string) *httptest.Server {
	t.Helper()

	h := NewVNCHandler(dir, resolver, &staticVerifier{token: "good-token", subject: "user-1"}, logger.Default())
	if port != "" {
		h.port = port
	}
	router := gin.New()
	router.GET("/api/v1/sessions/:id/vnc", h.Handle)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func sessionWithContainer(id, owner, containerID string) *dto.SessionDetail {
	return &dto.SessionDetail{
		SessionID:   id,
		Status:      "running",
		OwnerUserID: owner,
		ContainerID: &containerID,
	}
}

func TestVNCProxiesBytesBothWays(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// Fake VNC server: send the RFB banner, then report what the client
	// writes back.
	received := make(chan []byte, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = c.Write([]byte("RFB 003.008\n"))
		buf := make([]byte, 64)
		n, err := c.Read(buf)
		if err != nil {
			return
		}
		received <- append([]byte(nil), buf[:n]...)
	}()

	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	dir := &fakeDirectory{sessions: map[string]*dto.SessionDetail{
		"s-1": sessionWithContainer("s-1", "user-1", "c-1"),
	}}
	srv := newVNCServer(t, dir, &fakeResolver{ip: "127.0.0.1"}, port)

	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL(srv, "/api/v1/sessions/s-1/vnc?token=good-token"), nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, gorillaws.BinaryMessage, messageType)
	assert.Equal(t, "RFB 003.008\n", string(data))

	require.NoError(t, conn.WriteMessage(gorillaws.BinaryMessage, []byte("RFB 003.008\n")))
	select {
	case got := <-received:
		assert.Equal(t, "RFB 003.008\n", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("vnc server never received the client handshake")
	}
}

func TestVNCClosesWhenServerHangsUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = c.Write([]byte("RFB 003.008\n"))
		_ = c.Close()
	}()

	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	dir := &fakeDirectory{sessions: map[string]*dto.SessionDetail{
		"s-1": sessionWithContainer("s-1", "user-1", "c-1"),
	}}
	srv := newVNCServer(t, dir, &fakeResolver{ip: "127.0.0.1"}, port)

	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL(srv, "/api/v1/sessions/s-1/vnc?token=good-token"), nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "RFB 003.008\n", string(data))

	assertClosedWith(t, conn, gorillaws.CloseNormalClosure)
}

func TestVNCRejectsSessionWithoutContainer(t *testing.T) {
	dir := &fakeDirectory{sessions: map[string]*dto.SessionDetail{
		"s-1": {SessionID: "s-1", Status: "stopped", OwnerUserID: "user-1"},
	}}
	srv := newVNCServer(t, dir, &fakeResolver{ip: "127.0.0.1"}, "")

	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL(srv, "/api/v1/sessions/s-1/vnc?token=good-token"), nil)
	require.NoError(t, err)
	defer conn.Close()

	assertClosedWith(t, conn, CloseForbidden)
}

func TestVNCRejectsUnknownSession(t *testing.T) {
	dir := &fakeDirectory{sessions: map[string]*dto.SessionDetail{}}
	srv := newVNCServer(t, dir, &fakeResolver{ip: "127.0.0.1"}, "")

	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL(srv, "/api/v1/sessions/missing/vnc?token=good-token"), nil)
	require.NoError(t, err)
	defer conn.Close()

	assertClosedWith(t, conn, CloseSessionNotFound)
}

func TestVNCClosesWhenServerUnreachable(t *testing.T) {
	// Grab a port that is guaranteed closed by releasing it first.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	dir := &fakeDirectory{sessions: map[string]*dto.SessionDetail{
		"s-1": sessionWithContainer("s-1", "user-1", "c-1"),
	}}
	srv := newVNCServer(t, dir, &fakeResolver{ip: "127.0.0.1"}, port)

	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL(srv, "/api/v1/sessions/s-1/vnc?token=good-token"), nil)
	require.NoError(t, err)
	defer conn.Close()

	assertClosedWith(t, conn, gorillaws.CloseInternalServerErr)
}
