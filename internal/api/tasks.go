// Package api exposes the REST surface: task CRUD for the kanban board and
// read access to sessions and their message logs.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/scheduler"
	"github.com/agentdeck/agentdeck/internal/store"
)

// TaskHandler serves the task endpoints.
type TaskHandler struct {
	store  *store.Store
	sched  *scheduler.Scheduler
	bus    bus.EventBus
	logger *logger.Logger
}

// NewTaskHandler creates the task REST handler.
func NewTaskHandler(st *store.Store, sched *scheduler.Scheduler, eventBus bus.EventBus, log *logger.Logger) *TaskHandler {
	return &TaskHandler{
		store:  st,
		sched:  sched,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "task_api")),
	}
}

// RegisterRoutes mounts the task endpoints under /api/v1.
func (h *TaskHandler) RegisterRoutes(r *gin.Engine) {
	g := r.Group("/api/v1/tasks")
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.PATCH("/:id", h.update)
	g.DELETE("/:id", h.delete)
}

type createTaskRequest struct {
	Title           string   `json:"title" binding:"required"`
	Description     string   `json:"description"`
	Notes           string   `json:"notes"`
	Status          string   `json:"status"`
	SortOrder       int      `json:"sortOrder"`
	Workdir         string   `json:"workdir"`
	Model           string   `json:"model"`
	Mode            string   `json:"mode"`
	AgentMode       string   `json:"agentMode"`
	MaxTurns        int      `json:"maxTurns"`
	DependsOn       []string `json:"dependsOn"`
	ChainID         string   `json:"chainId"`
	SourceSessionID string   `json:"sourceSessionId"`
}

type updateTaskRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Notes       *string `json:"notes"`
	Status      *string `json:"status"`
	SortOrder   *int    `json:"sortOrder"`
}

var validStatuses = map[string]bool{
	store.TaskBacklog:    true,
	store.TaskTodo:       true,
	store.TaskInProgress: true,
	store.TaskDone:       true,
	store.TaskCancelled:  true,
}

func (h *TaskHandler) create(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Status != "" && !validStatuses[req.Status] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}
	// Clients cannot create tasks already running.
	if req.Status == store.TaskInProgress {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tasks cannot be created in_progress"})
		return
	}

	task := &store.Task{
		Title:           req.Title,
		Description:     req.Description,
		Notes:           req.Notes,
		Status:          req.Status,
		SortOrder:       req.SortOrder,
		Workdir:         req.Workdir,
		Model:           req.Model,
		Mode:            req.Mode,
		AgentMode:       req.AgentMode,
		MaxTurns:        req.MaxTurns,
		ChainID:         store.NullStr(req.ChainID),
		SourceSessionID: store.NullStr(req.SourceSessionID),
	}
	if len(req.DependsOn) > 0 {
		task.DependsOn = store.NullStr(store.EncodeList(req.DependsOn))
	}

	if err := h.store.CreateTask(c.Request.Context(), task); err != nil {
		h.logger.Error("failed to create task", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create task"})
		return
	}

	if err := h.bus.Publish(c.Request.Context(), events.SubjectTaskCreated, events.TaskCreated(task.ID)); err != nil {
		h.logger.Warn("failed to publish task created", zap.Error(err))
	}
	h.sched.Kick()

	c.JSON(http.StatusCreated, task)
}

func (h *TaskHandler) list(c *gin.Context) {
	ctx := c.Request.Context()

	var tasks []*store.Task
	var err error
	if status := c.Query("status"); status != "" {
		if !validStatuses[status] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
		tasks, err = h.store.ListTasksByStatus(ctx, status)
	} else {
		tasks, err = h.store.ListTasks(ctx)
	}
	if err != nil {
		h.logger.Error("failed to list tasks", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tasks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (h *TaskHandler) get(c *gin.Context) {
	task, err := h.store.GetTask(c.Request.Context(), c.Param("id"))
	if err == store.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load task"})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandler) update(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	task, err := h.store.GetTask(ctx, id)
	if err == store.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load task"})
		return
	}

	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Status != nil && !validStatuses[*req.Status] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}
	// in_progress is owned by the scheduler.
	if req.Status != nil && *req.Status == store.TaskInProgress && task.Status != store.TaskInProgress {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tasks enter in_progress via the scheduler"})
		return
	}

	upd := store.TaskUpdate{
		Title:       req.Title,
		Description: req.Description,
		Notes:       req.Notes,
		Status:      req.Status,
		SortOrder:   req.SortOrder,
	}
	leavingInProgress := req.Status != nil &&
		task.Status == store.TaskInProgress && *req.Status != store.TaskInProgress
	if leavingInProgress {
		clearPID := int64(0)
		upd.WorkerPID = &clearPID
		if *req.Status == store.TaskCancelled {
			reason := store.FailureUserCancelled
			upd.FailureReason = &reason
		}
	}

	if err := h.store.UpdateTask(ctx, id, upd); err != nil {
		h.logger.Error("failed to update task", zap.String("task_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update task"})
		return
	}

	// Aborting the running worker happens after the status write so the
	// scheduler's outcome pass sees the task as stopping.
	if leavingInProgress {
		h.sched.StopTask(ctx, id)
	}

	if req.Status != nil && *req.Status != task.Status {
		if err := h.bus.Publish(ctx, events.SubjectTaskTransition,
			events.TaskTransition(id, task.Status, *req.Status)); err != nil {
			h.logger.Warn("failed to publish task transition", zap.Error(err))
		}
		h.sched.Kick()
	}

	updated, err := h.store.GetTask(ctx, id)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *TaskHandler) delete(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	task, err := h.store.GetTask(ctx, id)
	if err == store.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load task"})
		return
	}

	if task.Status == store.TaskInProgress {
		h.sched.StopTask(ctx, id)
	}
	if err := h.store.DeleteTask(ctx, id); err != nil && err != store.ErrNotFound {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete task"})
		return
	}
	h.sched.Kick()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
