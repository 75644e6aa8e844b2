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
	"github.com/agentdock/agentdock/internal/scheduler"
	"github.com/agentdock/agentdock/internal/task/dto"
	"github.com/agentdock/agentdock/internal/task/models"
	taskservice "github.com/agentdock/agentdock/internal/task/service"
	taskstore "github.com/agentdock/agentdock/internal/task/store"
)

// nextRunPreview is how many upcoming fire times task views include.
const nextRunPreview = 3

// TaskHandlers serves the automated task API.
type TaskHandlers struct {
	tasks     *taskservice.Service
	scheduler *scheduler.Scheduler
	logger    *logger.Logger
}

// NewTaskHandlers creates the task handler set.
func NewTaskHandlers(tasks *taskservice.Service, sched *scheduler.Scheduler, log *logger.Logger) *TaskHandlers {
	return &TaskHandlers{
		tasks:     tasks,
		scheduler: sched,
		logger:    log.WithFields(zap.String("component", "task-handlers")),
	}
}

// Register mounts the task routes on the authenticated API group.
func (h *TaskHandlers) Register(api gin.IRouter) {
	api.POST("/tasks", h.create)
	api.GET("/tasks", h.list)
	api.GET("/tasks/:id", h.get)
	api.PUT("/tasks/:id", h.update)
	api.DELETE("/tasks/:id", h.remove)
	api.POST("/tasks/:id/start", h.start)
	api.POST("/tasks/:id/schedule", h.schedule)
	api.GET("/tasks/:id/history", h.history)
	api.GET("/tasks/:id/schedule/history", h.scheduleHistory)
}

// taskResponse converts a task row and previews its next fire times.
func (h *TaskHandlers) taskResponse(task *models.Task) *dto.TaskResponse {
	resp := dto.TaskFromModel(task)
	if task.Schedulable() {
		next, err := scheduler.NextFireTimes(*task.ScheduleCron, task.ScheduleTimezone, nextRunPreview)
		if err == nil {
			resp.NextRunTimes = next
		}
	}
	return resp
}

func (h *TaskHandlers) create(c *gin.Context) {
	var req dto.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	if req.OwnerUserID == "" {
		req.OwnerUserID = UserID(c)
	}

	task, err := h.tasks.Create(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	// Arm the cron entry right away; a task created with a schedule must
	// not wait for the next gateway restart to start firing.
	if err := h.scheduler.Sync(task); err != nil {
		h.logger.WithTaskID(task.ID).Warn("Failed to arm schedule for new task", zap.Error(err))
	}
	c.JSON(http.StatusCreated, h.taskResponse(task))
}

func (h *TaskHandlers) list(c *gin.Context) {
	filter := taskstore.ListFilter{Limit: 100}

	if raw := c.Query("enabled"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(c, h.logger, apperrors.ValidationError("enabled", "must be true or false"))
			return
		}
		filter.Enabled = &enabled
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

	resp, err := h.tasks.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *TaskHandlers) get(c *gin.Context) {
	task, err := h.tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, h.taskResponse(task))
}

func (h *TaskHandlers) update(c *gin.Context) {
	var req dto.UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	task, err := h.tasks.Update(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	// The update may have changed the cron, the pause flag or enabled;
	// bring the live entry back in step with the row.
	if err := h.scheduler.Sync(task); err != nil {
		h.logger.WithTaskID(task.ID).Warn("Failed to resync schedule after update", zap.Error(err))
	}
	c.JSON(http.StatusOK, h.taskResponse(task))
}

func (h *TaskHandlers) remove(c *gin.Context) {
	hard := c.Query("hard") == "true"
	id := c.Param("id")

	if err := h.tasks.Delete(c.Request.Context(), id, hard); err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.scheduler.Unschedule(id)
	c.Status(http.StatusNoContent)
}

func (h *TaskHandlers) start(c *gin.Context) {
	// Parameters are optional; tasks without required parameters start
	// from an empty body.
	var req dto.StartTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondBadRequest(c, err)
		return
	}

	id := c.Param("id")
	task, err := h.tasks.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	run, err := h.tasks.RunTask(c.Request.Context(), id, req.Parameters, models.TriggerManual, UserID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.RunFromModel(run, task.Name))
}

func (h *TaskHandlers) schedule(c *gin.Context) {
	var req dto.ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	task, err := h.scheduler.ApplySchedule(c.Request.Context(), c.Param("id"),
		req.ScheduleCron, req.ScheduleTimezone, "api", UserID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, h.taskResponse(task))
}

func (h *TaskHandlers) history(c *gin.Context) {
	limit := 50
	offset := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			respondError(c, h.logger, apperrors.ValidationError("limit", "must be an integer between 1 and 100"))
			return
		}
		limit = parsed
	}
	if raw := c.Query("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondError(c, h.logger, apperrors.ValidationError("offset", "must be a non-negative integer"))
			return
		}
		offset = parsed
	}

	resp, err := h.tasks.RunHistory(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *TaskHandlers) scheduleHistory(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			respondError(c, h.logger, apperrors.ValidationError("limit", "must be an integer between 1 and 200"))
			return
		}
		limit = parsed
	}

	resp, err := h.tasks.ScheduleAudit(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
