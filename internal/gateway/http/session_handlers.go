package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/session/dto"
	"github.com/agentdock/agentdock/internal/session/models"
	sessionservice "github.com/agentdock/agentdock/internal/session/service"
	sessionstore "github.com/agentdock/agentdock/internal/session/store"
)

// SessionHandlers serves the session lifecycle API.
type SessionHandlers struct {
	sessions *sessionservice.Service
	logger   *logger.Logger
}

// NewSessionHandlers creates the session handler set.
func NewSessionHandlers(sessions *sessionservice.Service, log *logger.Logger) *SessionHandlers {
	return &SessionHandlers{
		sessions: sessions,
		logger:   log.WithFields(zap.String("component", "session-handlers")),
	}
}

// Register mounts the session routes on the authenticated API group.
func (h *SessionHandlers) Register(api gin.IRouter) {
	api.POST("/sessions", h.create)
	api.GET("/sessions", h.list)
	api.GET("/sessions/:id", h.get)
	api.POST("/sessions/:id/stop", h.stop)
	api.DELETE("/sessions/:id", h.remove)
	api.POST("/sessions/:id/chat", h.chat)
	api.GET("/sessions/:id/messages/:mid", h.message)
	api.POST("/sessions/:id/spawn", h.spawn)
	api.GET("/sessions/:id/children", h.children)
	api.POST("/sessions/:id/interrupt", h.interrupt)
	api.GET("/sessions/:id/output", h.output)
}

func (h *SessionHandlers) create(c *gin.Context) {
	// An empty body is a valid request: all session fields have defaults.
	var req dto.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondBadRequest(c, err)
		return
	}

	resp, err := h.sessions.Create(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *SessionHandlers) list(c *gin.Context) {
	filter := sessionstore.ListFilter{Limit: 50}

	if raw := c.Query("status"); raw != "" {
		status := models.Status(raw)
		switch status {
		case models.StatusStarting, models.StatusIdle, models.StatusRunning,
			models.StatusStopped, models.StatusFailed:
			filter.Statuses = []models.Status{status}
		default:
			respondError(c, h.logger, apperrors.ValidationError("status", "unknown session status '"+raw+"'"))
			return
		}
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 100 {
			respondError(c, h.logger, apperrors.ValidationError("limit", "must be an integer between 1 and 100"))
			return
		}
		filter.Limit = limit
	}
	if raw := c.Query("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			respondError(c, h.logger, apperrors.ValidationError("offset", "must be a non-negative integer"))
			return
		}
		filter.Offset = offset
	}

	resp, err := h.sessions.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *SessionHandlers) get(c *gin.Context) {
	detail, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *SessionHandlers) stop(c *gin.Context) {
	detail, err := h.sessions.Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *SessionHandlers) remove(c *gin.Context) {
	if err := h.sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandlers) chat(c *gin.Context) {
	var req dto.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	accepted, result, err := h.sessions.Chat(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if accepted != nil {
		c.JSON(http.StatusOK, accepted)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *SessionHandlers) message(c *gin.Context) {
	detail, err := h.sessions.MessageStatus(c.Request.Context(), c.Param("id"), c.Param("mid"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *SessionHandlers) spawn(c *gin.Context) {
	var req dto.SpawnRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondBadRequest(c, err)
		return
	}

	resp, err := h.sessions.Spawn(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *SessionHandlers) children(c *gin.Context) {
	resp, err := h.sessions.Children(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *SessionHandlers) interrupt(c *gin.Context) {
	var req dto.InterruptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	id := c.Param("id")
	if err := h.sessions.Interrupt(c.Request.Context(), id, &req); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "sent",
		"session_id":     id,
		"interrupt_type": req.Type,
	})
}

// output replays the tail of the session's output buffer, oldest first.
// Late-joining clients use it to catch up before attaching to the stream.
func (h *SessionHandlers) output(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			respondError(c, h.logger, apperrors.ValidationError("limit", "must be a positive integer"))
			return
		}
		limit = parsed
	}

	id := c.Param("id")
	events, err := h.sessions.ReplayOutput(c.Request.Context(), id, limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": id,
		"events":     events,
		"count":      len(events),
	})
}
