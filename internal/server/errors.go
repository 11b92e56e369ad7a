package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opencode-studio/studio/internal/agent"
	"github.com/opencode-studio/studio/internal/common/logger"
	"github.com/opencode-studio/studio/internal/executor"
	"github.com/opencode-studio/studio/internal/task/lifecycle"
	"github.com/opencode-studio/studio/internal/task/repository"
	"github.com/opencode-studio/studio/internal/vcs"
)

// errorResponse is the wire shape of every API error.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// respondError maps core errors to HTTP statuses and the
// {error, message} shape. Unknown errors are masked and logged in full.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	var invalid *lifecycle.InvalidTransitionError
	if errors.As(err, &invalid) {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_transition", Message: invalid.Error()})
		return
	}

	switch {
	case errors.Is(err, repository.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: "task_not_found", Message: err.Error()})
		return
	case errors.Is(err, repository.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: "session_not_found", Message: err.Error()})
		return
	case errors.Is(err, vcs.ErrWorkspaceNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: "workspace_not_found", Message: err.Error()})
		return
	case errors.Is(err, executor.ErrSessionExists):
		c.JSON(http.StatusConflict, errorResponse{Error: "session_exists", Message: err.Error()})
		return
	case errors.Is(err, executor.ErrSessionNotActive):
		c.JSON(http.StatusConflict, errorResponse{Error: "session_not_active", Message: err.Error()})
		return
	case errors.Is(err, vcs.ErrWorkspaceAlreadyExists):
		c.JSON(http.StatusConflict, errorResponse{Error: "workspace_exists", Message: err.Error()})
		return
	case errors.Is(err, executor.ErrTaskComplete):
		c.JSON(http.StatusBadRequest, errorResponse{Error: "task_complete", Message: err.Error()})
		return
	}

	var runtimeErr *agent.RuntimeError
	if errors.As(err, &runtimeErr) {
		log.Error("agent runtime error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "agent_runtime_error", Message: runtimeErr.Error()})
		return
	}

	var cmdErr *vcs.CommandError
	if errors.As(err, &cmdErr) {
		log.Error("vcs command failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "vcs_command_failed", Message: cmdErr.Error()})
		return
	}

	// database and anything else: mask externally, log in full
	log.Error("internal error", zap.Error(err))
	c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal_error", Message: "internal error"})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, errorResponse{Error: "bad_request", Message: message})
}
