package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentdock/agentdock/internal/bus"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/pkg/stream"
)

// clientFrame is a JSON frame read from the websocket client.
type clientFrame struct {
	Type   string `json:"type"`
	Prompt string `json:"prompt,omitempty"`
}

// systemFrame announces bridge lifecycle events to the client.
type systemFrame struct {
	Type  string            `json:"type"`
	Event string            `json:"event"`
	Data  map[string]string `json:"data,omitempty"`
}

// resultFrame is the terminal result shape pushed to clients. The wrapper's
// richer result payload is trimmed to what the UI renders.
type resultFrame struct {
	Type         string          `json:"type"`
	Subtype      string          `json:"subtype"`
	Result       string          `json:"result,omitempty"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	Usage        json.RawMessage `json:"usage,omitempty"`
}

// childResultFrame carries a finished child turn to the parent's client.
type childResultFrame struct {
	Type           string          `json:"type"`
	ChildSessionID string          `json:"child_session_id"`
	Result         json.RawMessage `json:"result,omitempty"`
}

type errorFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

var pongFrame = []byte(`{"type":"pong"}`)

// StreamHandler bridges a websocket client to a session's output topics and
// input queue. Clients receive the live agent event stream and submit
// prompts over the same connection.
type StreamHandler struct {
	sessions SessionDirectory
	bus      bus.Client
	tokens   TokenVerifier
	logger   *logger.Logger
}

// NewStreamHandler creates the agent stream bridge.
func NewStreamHandler(sessions SessionDirectory, busClient bus.Client, tokens TokenVerifier, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		sessions: sessions,
		bus:      busClient,
		tokens:   tokens,
		logger:   log.WithFields(zap.String("component", "stream-bridge")),
	}
}

// Handle serves GET /api/v1/sessions/:id/stream.
func (h *StreamHandler) Handle(c *gin.Context) {
	sessionID := c.Param("id")
	token, subprotocol := bearerToken(c.Request)

	conn, err := upgrade(c.Writer, c.Request, subprotocol)
	if err != nil {
		// Upgrade failures have already written an HTTP error.
		h.logger.Debug("Stream upgrade failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	if _, ok := admit(ctx, conn, h.tokens, h.sessions, token, sessionID); !ok {
		return
	}

	h.logger.Info("Stream connected",
		zap.String("session_id", sessionID),
		zap.String("remote_addr", c.Request.RemoteAddr))
	start := time.Now()

	if err := h.bridge(ctx, conn, sessionID); err != nil && !isNormalClose(err) {
		h.logger.Warn("Stream closed abnormally",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	h.logger.Info("Stream disconnected",
		zap.String("session_id", sessionID),
		zap.Duration("connected", time.Since(start)))
}

// bridge runs the pumps until either side goes away. The reader feeds
// prompts to the session input queue, the writer relays the output topics;
// the first to stop cancels the other through the shared group context.
func (h *StreamHandler) bridge(ctx context.Context, conn *gorillaws.Conn, sessionID string) error {
	outputs, err := h.bus.Subscribe(ctx, bus.OutputTopic(sessionID))
	if err != nil {
		return fmt.Errorf("subscribing to output topic: %w", err)
	}
	defer outputs.Close()

	children, err := h.bus.Subscribe(ctx, bus.ChildrenTopic(sessionID))
	if err != nil {
		return fmt.Errorf("subscribing to children topic: %w", err)
	}
	defer children.Close()

	// The hello frame doubles as the signal that the subscriptions above
	// are live: anything published after the client reads it is delivered.
	hello, _ := json.Marshal(systemFrame{
		Type:  "system",
		Event: "session_connected",
		Data:  map[string]string{"session_id": sessionID},
	})
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(gorillaws.TextMessage, hello); err != nil {
		return err
	}

	// replies lets the read pump answer pings without a second writer on
	// the connection.
	replies := make(chan []byte, 16)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.readPump(ctx, conn, sessionID, replies) })
	g.Go(func() error { return h.writePump(ctx, conn, sessionID, outputs, children, replies) })
	g.Go(func() error {
		// Reads have no context; closing the conn unblocks the read pump
		// when the rest of the group fails.
		<-ctx.Done()
		_ = conn.Close()
		return nil
	})
	return g.Wait()
}

// readPump consumes client frames: ping keepalives are answered in-band and
// prompts are queued for the session's wrapper.
func (h *StreamHandler) readPump(ctx context.Context, conn *gorillaws.Conn, sessionID string, replies chan<- []byte) error {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err,
				gorillaws.CloseNormalClosure,
				gorillaws.CloseGoingAway,
				gorillaws.CloseAbnormalClosure) {
				h.logger.Debug("Stream read error",
					zap.String("session_id", sessionID),
					zap.Error(err))
			}
			return err
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.logger.Debug("Dropping malformed client frame",
				zap.String("session_id", sessionID),
				zap.Error(err))
			continue
		}

		switch frame.Type {
		case "ping":
			select {
			case replies <- pongFrame:
			default:
			}

		case "prompt":
			if frame.Prompt == "" {
				continue
			}
			input, err := stream.NewInput(frame.Prompt, "").Encode()
			if err != nil {
				continue
			}
			if err := h.bus.Push(ctx, bus.InputKey(sessionID), input); err != nil {
				h.logger.Warn("Failed to queue prompt",
					zap.String("session_id", sessionID),
					zap.Error(err))
				notice, _ := json.Marshal(errorFrame{
					Type: "error",
					Data: json.RawMessage(`{"error":"failed to queue prompt"}`),
				})
				select {
				case replies <- notice:
				default:
				}
			}

		default:
			h.logger.Debug("Ignoring unknown client frame",
				zap.String("session_id", sessionID),
				zap.String("type", frame.Type))
		}
	}
}

// writePump relays output and child envelopes to the client, flushes queued
// replies and keeps the connection alive with pings.
func (h *StreamHandler) writePump(ctx context.Context, conn *gorillaws.Conn, sessionID string, outputs, children bus.Subscription, replies <-chan []byte) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(messageType int, payload []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(messageType, payload)
	}
	relay := func(raw []byte) error {
		frame := h.translate(sessionID, raw)
		if frame == nil {
			return nil
		}
		return write(gorillaws.TextMessage, frame)
	}

	for {
		select {
		case <-ctx.Done():
			// The read pump is gone; finish the close handshake.
			_ = write(gorillaws.CloseMessage, []byte{})
			return ctx.Err()

		case raw, ok := <-outputs.Messages():
			if !ok {
				return h.abort(conn, sessionID, errors.New("output subscription closed"))
			}
			if err := relay(raw); err != nil {
				return err
			}

		case raw, ok := <-children.Messages():
			if !ok {
				return h.abort(conn, sessionID, errors.New("children subscription closed"))
			}
			if err := relay(raw); err != nil {
				return err
			}

		case payload := <-replies:
			if err := write(gorillaws.TextMessage, payload); err != nil {
				return err
			}

		case <-ticker.C:
			if err := write(gorillaws.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

// abort pushes a final error frame so the client sees why the stream died,
// then reports the cause to the group.
func (h *StreamHandler) abort(conn *gorillaws.Conn, sessionID string, cause error) error {
	h.logger.Warn("Stream aborting",
		zap.String("session_id", sessionID),
		zap.Error(cause))

	deadline := time.Now().Add(writeWait)
	frame, _ := json.Marshal(errorFrame{
		Type: "error",
		Data: json.RawMessage(`{"error":"stream terminated"}`),
	})
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteMessage(gorillaws.TextMessage, frame)
	_ = conn.WriteControl(gorillaws.CloseMessage,
		gorillaws.FormatCloseMessage(gorillaws.CloseInternalServerErr, "stream error"), deadline)
	return cause
}

// translate maps a published envelope to its client frame. Output payloads
// pass through untouched since normalized agent events already carry their
// own type field; results and child results are unwrapped so clients never
// see the internal envelope. Returns nil for frames clients have no use for.
func (h *StreamHandler) translate(sessionID string, raw []byte) []byte {
	env, err := stream.Decode(raw)
	if err != nil {
		h.logger.Warn("Dropping undecodable envelope",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return nil
	}

	switch env.Type {
	case stream.TypeOutput:
		return env.Data

	case stream.TypeResult:
		var res stream.Result
		if err := env.ParseData(&res); err != nil {
			h.logger.Warn("Dropping malformed result envelope",
				zap.String("session_id", sessionID),
				zap.Error(err))
			return nil
		}
		frame, _ := json.Marshal(resultFrame{
			Type:         "result",
			Subtype:      res.Subtype,
			Result:       res.Result,
			TotalCostUSD: res.TotalCostUSD,
			Usage:        res.Usage,
		})
		return frame

	case stream.TypeChildResult:
		frame, _ := json.Marshal(childResultFrame{
			Type:           "child_result",
			ChildSessionID: env.ChildSessionID,
			Result:         env.Data,
		})
		return frame

	case stream.TypeError:
		frame, _ := json.Marshal(errorFrame{Type: "error", Data: env.Data})
		return frame
	}

	return nil
}
