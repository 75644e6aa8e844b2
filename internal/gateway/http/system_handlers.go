package http

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/health"
	"github.com/agentdock/agentdock/internal/objectstore"
)

// SystemHandlers serves health probes and workspace snapshot routes.
type SystemHandlers struct {
	health        *health.Aggregator
	objects       *objectstore.Store
	workspaceRoot string
	logger        *logger.Logger
}

// NewSystemHandlers creates the system handler set.
func NewSystemHandlers(agg *health.Aggregator, objects *objectstore.Store, workspaceRoot string, log *logger.Logger) *SystemHandlers {
	return &SystemHandlers{
		health:        agg,
		objects:       objects,
		workspaceRoot: workspaceRoot,
		logger:        log.WithFields(zap.String("component", "system-handlers")),
	}
}

// RegisterHealth mounts the unauthenticated health probes.
func (h *SystemHandlers) RegisterHealth(router gin.IRouter) {
	router.GET("/health", h.healthCheck)
	router.GET("/health/ready", h.ready)
	router.GET("/health/live", h.live)
}

// Register mounts the workspace snapshot routes on the authenticated group.
func (h *SystemHandlers) Register(api gin.IRouter) {
	api.GET("/workspaces/:id/snapshots", h.listSnapshots)
	api.POST("/workspaces/:id/snapshot", h.snapshot)
}

func (h *SystemHandlers) healthCheck(c *gin.Context) {
	report := h.health.Check(c.Request.Context())

	status := "healthy"
	if !report.Healthy {
		status = "unhealthy"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     status,
		"components": report.Components,
	})
}

func (h *SystemHandlers) ready(c *gin.Context) {
	report := h.health.Check(c.Request.Context())
	if !report.Healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (h *SystemHandlers) live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alive": true})
}

func (h *SystemHandlers) listSnapshots(c *gin.Context) {
	id := c.Param("id")
	snapshots, err := h.objects.ListSnapshots(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"workspace_id": id,
		"snapshots":    snapshots,
		"total":        len(snapshots),
	})
}

// snapshot packs the persistent workspace directory into the object store.
func (h *SystemHandlers) snapshot(c *gin.Context) {
	id := c.Param("id")
	dir := filepath.Join(h.workspaceRoot, "workspaces", id)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		respondError(c, h.logger, apperrors.NotFound("workspace", id))
		return
	}

	key, err := h.objects.SnapshotWorkspace(c.Request.Context(), id, dir)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"workspace_id": id,
		"key":          key,
	})
}
