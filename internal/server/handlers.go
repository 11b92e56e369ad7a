// Package server exposes the REST API over the orchestrator's core
// services and wires the WebSocket gateway into the router.
package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opencode-studio/studio/internal/activity"
	"github.com/opencode-studio/studio/internal/common/config"
	"github.com/opencode-studio/studio/internal/common/logger"
	"github.com/opencode-studio/studio/internal/events"
	"github.com/opencode-studio/studio/internal/events/bus"
	"github.com/opencode-studio/studio/internal/executor"
	"github.com/opencode-studio/studio/internal/project"
	"github.com/opencode-studio/studio/internal/task/models"
	"github.com/opencode-studio/studio/internal/task/repository"
	"github.com/opencode-studio/studio/internal/workspace"
)

// Version reported by /health.
const Version = "0.1.0"

// Handler carries the API's collaborators.
type Handler struct {
	repo       repository.Repository
	exec       *executor.Executor
	workspaces *workspace.Manager
	activities *activity.Registry
	emitter    *bus.Emitter
	layout     project.Layout
	meta       project.Meta
	cfg        *config.Config
	logger     *logger.Logger
}

// NewHandler creates the API handler set.
func NewHandler(
	repo repository.Repository,
	exec *executor.Executor,
	workspaces *workspace.Manager,
	activities *activity.Registry,
	emitter *bus.Emitter,
	layout project.Layout,
	meta project.Meta,
	cfg *config.Config,
	log *logger.Logger,
) *Handler {
	return &Handler{
		repo:       repo,
		exec:       exec,
		workspaces: workspaces,
		activities: activities,
		emitter:    emitter,
		layout:     layout,
		meta:       meta,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "api")),
	}
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": Version})
}

// GetProject handles GET /api/project.
func (h *Handler) GetProject(c *gin.Context) {
	count, err := h.repo.CountTasks(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":        h.meta.Name,
		"path":        h.layout.Root,
		"vcs":         h.cfg.Workspace.VCS,
		"tasks_count": count,
	})
}

// ListTasks handles GET /api/tasks.
func (h *Handler) ListTasks(c *gin.Context) {
	tasks, err := h.repo.ListTasks(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

type createTaskRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
}

// CreateTask handles POST /api/tasks.
func (h *Handler) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "title is required")
		return
	}

	task := &models.Task{Title: req.Title, Description: req.Description}
	if err := h.repo.CreateTask(c.Request.Context(), task); err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.emitter.Emit(events.TaskCreated{ID: task.ID, Title: task.Title})
	c.JSON(http.StatusCreated, task)
}

// GetTask handles GET /api/tasks/:id.
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.repo.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type updateTaskRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

// UpdateTask handles PATCH /api/tasks/:id. Status changes go through the
// transition endpoint, never here.
func (h *Handler) UpdateTask(c *gin.Context) {
	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	ctx := c.Request.Context()
	task, err := h.repo.GetTask(ctx, c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	if req.Title != nil {
		task.Title = *req.Title
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if err := h.repo.UpdateTask(ctx, task); err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.emitter.Emit(events.TaskUpdated{ID: task.ID})
	c.JSON(http.StatusOK, task)
}

// DeleteTask handles DELETE /api/tasks/:id. Sessions cascade in the store;
// their in-memory activity logs are dropped here.
func (h *Handler) DeleteTask(c *gin.Context) {
	ctx := c.Request.Context()
	taskID := c.Param("id")

	sessions, err := h.repo.ListSessionsByTask(ctx, taskID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	if err := h.repo.DeleteTask(ctx, taskID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	for _, s := range sessions {
		h.activities.Delete(s.ID)
	}

	h.emitter.Emit(events.TaskDeleted{ID: taskID})
	c.Status(http.StatusNoContent)
}

type transitionRequest struct {
	To string `json:"to" binding:"required"`
}

// TransitionTask handles POST /api/tasks/:id/transition.
func (h *Handler) TransitionTask(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "to is required")
		return
	}
	to, err := models.ParseTaskStatus(req.To)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	task, err := h.repo.GetTask(ctx, c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if err := h.exec.ApplyTransition(ctx, task, to); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// ExecuteTask handles POST /api/tasks/:id/execute.
func (h *Handler) ExecuteTask(c *gin.Context) {
	session, err := h.exec.Execute(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"session_id": session.ID,
		"phase":      session.Phase,
	})
}

// ListTaskSessions handles GET /api/tasks/:id/sessions.
func (h *Handler) ListTaskSessions(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := h.repo.GetTask(ctx, c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	sessions, err := h.repo.ListSessionsByTask(ctx, c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

// CreateTaskWorkspace handles POST /api/tasks/:id/workspace.
func (h *Handler) CreateTaskWorkspace(c *gin.Context) {
	ctx := c.Request.Context()
	task, err := h.repo.GetTask(ctx, c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	ws, err := h.workspaces.Setup(ctx, task.ID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if err := h.repo.UpdateTaskWorkspace(ctx, task.ID, ws.Path); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, ws)
}

type createCommentRequest struct {
	FilePath string `json:"file_path" binding:"required"`
	Line     int    `json:"line"`
	Comment  string `json:"comment" binding:"required"`
}

// CreateComment handles POST /api/tasks/:id/comments.
func (h *Handler) CreateComment(c *gin.Context) {
	var req createCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "file_path and comment are required")
		return
	}

	ctx := c.Request.Context()
	task, err := h.repo.GetTask(ctx, c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	comment := &models.ReviewComment{
		TaskID:   task.ID,
		FilePath: req.FilePath,
		Line:     req.Line,
		Comment:  req.Comment,
	}
	if err := h.repo.CreateReviewComment(ctx, comment); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, comment)
}

// ListComments handles GET /api/tasks/:id/comments.
func (h *Handler) ListComments(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := h.repo.GetTask(ctx, c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	comments, err := h.repo.ListReviewComments(ctx, c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, comments)
}

// GetSession handles GET /api/sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	session, err := h.repo.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// DeleteSession handles DELETE /api/sessions/:id. The in-memory activity
// store goes with it.
func (h *Handler) DeleteSession(c *gin.Context) {
	sessionID := c.Param("id")
	if err := h.repo.DeleteSession(c.Request.Context(), sessionID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.activities.Delete(sessionID)
	c.Status(http.StatusNoContent)
}

// AbortSession handles POST /api/sessions/:id/abort.
func (h *Handler) AbortSession(c *gin.Context) {
	if err := h.exec.Abort(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	session, err := h.repo.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// ListSessionActivities handles GET /api/sessions/:id/activities?since=N.
// The in-memory store serves live sessions; the database serves the rest.
func (h *Handler) ListSessionActivities(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")

	since := int64(0)
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			badRequest(c, "since must be a non-negative integer")
			return
		}
		since = parsed
	}

	if _, err := h.repo.GetSession(ctx, sessionID); err != nil {
		respondError(c, h.logger, err)
		return
	}

	if store := h.activities.Get(sessionID); store != nil {
		c.JSON(http.StatusOK, store.Since(since))
		return
	}

	activities, err := h.repo.ListActivitiesSince(ctx, sessionID, since)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, activities)
}

// ListWorkspaces handles GET /api/workspaces.
func (h *Handler) ListWorkspaces(c *gin.Context) {
	workspaces, err := h.workspaces.ListWithSummaries(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, workspaces)
}

// GetWorkspaceStatus handles GET /api/workspaces/:task_id.
func (h *Handler) GetWorkspaceStatus(c *gin.Context) {
	ctx := c.Request.Context()
	ws, err := h.workspaces.Get(ctx, c.Param("task_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	status, err := h.workspaces.Status(ctx, ws)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

// GetWorkspaceDiff handles GET /api/workspaces/:task_id/diff.
func (h *Handler) GetWorkspaceDiff(c *gin.Context) {
	ctx := c.Request.Context()
	ws, err := h.workspaces.Get(ctx, c.Param("task_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	diff, err := h.workspaces.Diff(ctx, ws)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"diff": diff})
}

type mergeRequest struct {
	Message string `json:"message"`
}

// MergeWorkspace handles POST /api/workspaces/:task_id/merge.
func (h *Handler) MergeWorkspace(c *gin.Context) {
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		badRequest(c, "invalid request body")
		return
	}

	ctx := c.Request.Context()
	taskID := c.Param("task_id")
	ws, err := h.workspaces.Get(ctx, taskID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	message := req.Message
	if message == "" {
		message = "Merge " + ws.BranchName
	}

	result, err := h.workspaces.Merge(ctx, ws, message)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !result.Success {
		c.JSON(http.StatusConflict, gin.H{"result": "conflicts", "files": result.ConflictFiles})
		return
	}

	if err := h.repo.UpdateTaskWorkspace(ctx, taskID, ""); err != nil {
		h.logger.Warn("failed to clear workspace path after merge", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"result": "success"})
}

type markViewedRequest struct {
	FilePath string `json:"file_path" binding:"required"`
}

// MarkFileViewed handles POST /api/workspaces/:task_id/viewed.
func (h *Handler) MarkFileViewed(c *gin.Context) {
	var req markViewedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "file_path is required")
		return
	}

	ctx := c.Request.Context()
	taskID := c.Param("task_id")
	if _, err := h.repo.GetTask(ctx, taskID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	if err := h.repo.MarkFileViewed(ctx, taskID, req.FilePath); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListViewedFiles handles GET /api/workspaces/:task_id/viewed.
func (h *Handler) ListViewedFiles(c *gin.Context) {
	files, err := h.repo.ListViewedFiles(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, files)
}
