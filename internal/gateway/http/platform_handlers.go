package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/platform"
)

// askRequest is the body of POST /api/v1/discord/ask. Zero values fall
// back to the bridge defaults (30 min window, 3 attempts).
type askRequest struct {
	SessionID      string   `json:"session_id" binding:"required"`
	Question       string   `json:"question" binding:"required,max=2000"`
	TimeoutSeconds int      `json:"timeout_seconds" binding:"omitempty,gte=60,lte=7200"`
	MaxAttempts    int      `json:"max_attempts" binding:"omitempty,gte=1,lte=5"`
	Priority       string   `json:"priority" binding:"omitempty,oneof=normal urgent"`
	Options        []string `json:"options" binding:"omitempty,max=10"`
}

// notifyRequest is the body of POST /api/v1/discord/notify.
type notifyRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Message   string `json:"message" binding:"required,max=2000"`
	Priority  string `json:"priority" binding:"omitempty,oneof=normal urgent"`
	Summary   string `json:"summary" binding:"omitempty,max=4000"`
}

// PlatformHandlers serves the Discord bridge API.
type PlatformHandlers struct {
	bridge *platform.Service
	logger *logger.Logger
}

// NewPlatformHandlers creates the platform handler set.
func NewPlatformHandlers(bridge *platform.Service, log *logger.Logger) *PlatformHandlers {
	return &PlatformHandlers{
		bridge: bridge,
		logger: log.WithFields(zap.String("component", "platform-handlers")),
	}
}

// Register mounts the Discord bridge routes on the authenticated group.
func (h *PlatformHandlers) Register(api gin.IRouter) {
	api.POST("/discord/ask", h.ask)
	api.POST("/discord/notify", h.notify)
	api.GET("/discord/interactions", h.listInteractions)
	api.GET("/discord/interactions/:id", h.getInteraction)
}

// ask blocks until the question is answered, every attempt times out, or
// the client goes away. Agents calling this should budget their own
// timeout above timeout_seconds x max_attempts.
func (h *PlatformHandlers) ask(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	result, err := h.bridge.Ask(c.Request.Context(), platform.AskParams{
		SessionID:      req.SessionID,
		Question:       req.Question,
		TimeoutSeconds: req.TimeoutSeconds,
		MaxAttempts:    req.MaxAttempts,
		Priority:       req.Priority,
		Options:        req.Options,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *PlatformHandlers) notify(c *gin.Context) {
	var req notifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	result, err := h.bridge.Notify(c.Request.Context(), platform.NotifyParams{
		SessionID: req.SessionID,
		Message:   req.Message,
		Priority:  req.Priority,
		Summary:   req.Summary,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"interaction_id": result.InteractionID,
		"status":         result.Status,
	})
}

func (h *PlatformHandlers) listInteractions(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		respondError(c, h.logger, apperrors.ValidationError("session_id", "query parameter is required"))
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			respondError(c, h.logger, apperrors.ValidationError("limit", "must be an integer between 1 and 100"))
			return
		}
		limit = parsed
	}

	interactions, err := h.bridge.ListInteractions(c.Request.Context(), sessionID, limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":   sessionID,
		"interactions": interactions,
		"total":        len(interactions),
	})
}

func (h *PlatformHandlers) getInteraction(c *gin.Context) {
	interaction, err := h.bridge.GetInteraction(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, interaction)
}
