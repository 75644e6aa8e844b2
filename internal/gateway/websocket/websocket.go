// Package websocket implements the gateway's live bridges: the agent event
// stream and the VNC desktop proxy. Both routes upgrade first and
// authenticate afterwards, so failures surface as websocket close codes
// instead of HTTP statuses browsers cannot read.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	gorillaws "github.com/gorilla/websocket"

	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/session/dto"
)

// Pump tuning shared by both bridges.
const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod is the interval between pings. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound frames from the client.
	maxMessageSize = 512 * 1024
)

// Application close codes, in the private range.
const (
	// CloseUnauthorized: the token is missing or invalid.
	CloseUnauthorized = 4001
	// CloseForbidden: the caller does not own the session, or the session
	// cannot serve this bridge.
	CloseForbidden = 4003
	// CloseSessionNotFound: the session does not exist.
	CloseSessionNotFound = 4004
)

// TokenVerifier checks a bearer token and returns the authenticated subject.
// The gateway's token manager satisfies it.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// SessionDirectory is the session lookup the bridges need.
type SessionDirectory interface {
	Get(ctx context.Context, id string) (*dto.SessionDetail, error)
}

// ContainerResolver resolves a container's IP on the worker network.
type ContainerResolver interface {
	IPAddress(ctx context.Context, containerID string) (string, error)
}

// upgrader is shared by both bridges.
var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkWebSocketOrigin,
}

// checkWebSocketOrigin validates the Origin header to prevent cross-site
// WebSocket hijacking. Non-browser clients without an Origin are allowed.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	// Local development origins.
	if strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1") {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	// Same-origin: compare hosts, ignoring ports.
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if colon := strings.LastIndex(host, ":"); colon != -1 {
		if !strings.Contains(host, "]") || colon > strings.Index(host, "]") {
			host = host[:colon]
		}
	}
	return originURL.Hostname() == host
}

// bearerToken extracts the auth token from the query string or, for browser
// clients that cannot set headers, from the first Sec-WebSocket-Protocol
// entry. The returned subprotocol must be echoed on upgrade or the browser
// drops the connection.
func bearerToken(r *http.Request) (token, subprotocol string) {
	if t := r.URL.Query().Get("token"); t != "" {
		return t, ""
	}
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		t := strings.TrimSpace(strings.Split(proto, ",")[0])
		return t, t
	}
	return "", ""
}

// upgrade performs the websocket handshake, echoing the token subprotocol
// back when one was offered.
func upgrade(w http.ResponseWriter, r *http.Request, subprotocol string) (*gorillaws.Conn, error) {
	var header http.Header
	if subprotocol != "" {
		header = http.Header{"Sec-WebSocket-Protocol": []string{subprotocol}}
	}
	return upgrader.Upgrade(w, r, header)
}

// closeWith writes an application close frame and tears the connection down.
func closeWith(conn *gorillaws.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	msg := gorillaws.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(gorillaws.CloseMessage, msg, deadline)
	_ = conn.Close()
}

// admit verifies the token and resolves the session on a freshly upgraded
// connection. On failure the close code has already been written and the
// caller just returns.
func admit(ctx context.Context, conn *gorillaws.Conn, tokens TokenVerifier, sessions SessionDirectory, rawToken, sessionID string) (*dto.SessionDetail, bool) {
	subject, err := tokens.Verify(rawToken)
	if err != nil {
		closeWith(conn, CloseUnauthorized, "unauthorized")
		return nil, false
	}

	sess, err := sessions.Get(ctx, sessionID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			closeWith(conn, CloseSessionNotFound, "session not found")
		} else {
			closeWith(conn, gorillaws.CloseInternalServerErr, "session lookup failed")
		}
		return nil, false
	}

	// Sessions created without an owner are open to any authenticated caller.
	if sess.OwnerUserID != "" && sess.OwnerUserID != subject {
		closeWith(conn, CloseForbidden, "forbidden")
		return nil, false
	}
	return sess, true
}

// isNormalClose reports whether a bridge ended because the peer went away in
// an expected fashion.
func isNormalClose(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	return gorillaws.IsCloseError(err,
		gorillaws.CloseNormalClosure,
		gorillaws.CloseGoingAway,
		gorillaws.CloseNoStatusReceived,
		gorillaws.CloseAbnormalClosure)
}
