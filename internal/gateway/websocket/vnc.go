package websocket

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentdock/agentdock/internal/common/logger"
)

const (
	// vncPort is where the worker image's x11vnc listens.
	vncPort = "5900"

	// vncDialTimeout bounds the TCP connect to the container.
	vncDialTimeout = 10 * time.Second

	// vncReadBuffer is the chunk size for container-to-client copies.
	vncReadBuffer = 64 * 1024
)

// VNCHandler shuttles raw RFB bytes between a websocket client (noVNC) and
// the VNC server inside the session's container. The payload is opaque; the
// bridge never inspects it.
type VNCHandler struct {
	sessions   SessionDirectory
	containers ContainerResolver
	tokens     TokenVerifier
	logger     *logger.Logger

	// port is the VNC listener port inside the container.
	port string
}

// NewVNCHandler creates the VNC bridge.
func NewVNCHandler(sessions SessionDirectory, containers ContainerResolver, tokens TokenVerifier, log *logger.Logger) *VNCHandler {
	return &VNCHandler{
		sessions:   sessions,
		containers: containers,
		tokens:     tokens,
		logger:     log.WithFields(zap.String("component", "vnc-bridge")),
		port:       vncPort,
	}
}

// Handle serves GET /api/v1/sessions/:id/vnc.
func (h *VNCHandler) Handle(c *gin.Context) {
	sessionID := c.Param("id")
	token, subprotocol := bearerToken(c.Request)

	conn, err := upgrade(c.Writer, c.Request, subprotocol)
	if err != nil {
		h.logger.Debug("VNC upgrade failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	sess, ok := admit(ctx, conn, h.tokens, h.sessions, token, sessionID)
	if !ok {
		return
	}

	if sess.ContainerID == nil {
		closeWith(conn, CloseForbidden, "session has no container")
		return
	}

	ip, err := h.containers.IPAddress(ctx, *sess.ContainerID)
	if err != nil {
		h.logger.Warn("VNC container address lookup failed",
			zap.String("session_id", sessionID),
			zap.String("container_id", *sess.ContainerID),
			zap.Error(err))
		closeWith(conn, CloseSessionNotFound, "container not found")
		return
	}

	target := net.JoinHostPort(ip, h.port)
	tcp, err := net.DialTimeout("tcp", target, vncDialTimeout)
	if err != nil {
		h.logger.Warn("VNC dial failed",
			zap.String("session_id", sessionID),
			zap.String("target", target),
			zap.Error(err))
		closeWith(conn, gorillaws.CloseInternalServerErr, "vnc server unreachable")
		return
	}
	defer tcp.Close()

	h.logger.Info("VNC connected",
		zap.String("session_id", sessionID),
		zap.String("target", target))
	start := time.Now()

	err = h.proxy(ctx, conn, tcp)
	if err != nil && !isNormalClose(err) && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		h.logger.Warn("VNC proxy ended with error",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	h.logger.Info("VNC disconnected",
		zap.String("session_id", sessionID),
		zap.Duration("connected", time.Since(start)))
}

// proxy copies bytes both ways until either side closes. Neither read can be
// interrupted by context alone, so a third goroutine tears down both ends as
// soon as the first copier stops.
func (h *VNCHandler) proxy(ctx context.Context, conn *gorillaws.Conn, tcp net.Conn) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		_ = conn.Close()
		_ = tcp.Close()
		return nil
	})

	// Client to container.
	g.Go(func() error {
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return err
			}
			if messageType != gorillaws.BinaryMessage && messageType != gorillaws.TextMessage {
				continue
			}
			if _, err := tcp.Write(data); err != nil {
				return err
			}
		}
	})

	// Container to client.
	g.Go(func() error {
		buf := make([]byte, vncReadBuffer)
		for {
			n, err := tcp.Read(buf)
			if n > 0 {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if werr := conn.WriteMessage(gorillaws.BinaryMessage, buf[:n]); werr != nil {
					return werr
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					// Server hung up cleanly; tell the client before the
					// teardown goroutine rips the socket away.
					_ = conn.WriteControl(gorillaws.CloseMessage,
						gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, "vnc server closed"),
						time.Now().Add(writeWait))
				}
				return err
			}
		}
	})

	return g.Wait()
}
