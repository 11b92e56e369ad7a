package server

import (
	"github.com/gin-gonic/gin"

	"github.com/opencode-studio/studio/internal/common/httpmw"
	"github.com/opencode-studio/studio/internal/common/logger"
	"github.com/opencode-studio/studio/internal/gateway/websocket"
)

const serverName = "studio-api"

// NewRouter assembles the gin engine: middleware chain, REST routes and
// the WebSocket gateway.
func NewRouter(h *Handler, ws *websocket.Handler, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(httpmw.CORS())
	router.Use(httpmw.OtelTracing(serverName))

	router.GET("/health", h.Health)
	router.GET("/ws", ws.Handle)

	api := router.Group("/api")
	{
		api.GET("/project", h.GetProject)

		api.GET("/tasks", h.ListTasks)
		api.POST("/tasks", h.CreateTask)
		api.GET("/tasks/:id", h.GetTask)
		api.PATCH("/tasks/:id", h.UpdateTask)
		api.DELETE("/tasks/:id", h.DeleteTask)
		api.POST("/tasks/:id/transition", h.TransitionTask)
		api.POST("/tasks/:id/execute", h.ExecuteTask)
		api.GET("/tasks/:id/sessions", h.ListTaskSessions)
		api.POST("/tasks/:id/workspace", h.CreateTaskWorkspace)
		api.POST("/tasks/:id/comments", h.CreateComment)
		api.GET("/tasks/:id/comments", h.ListComments)

		api.GET("/sessions/:id", h.GetSession)
		api.DELETE("/sessions/:id", h.DeleteSession)
		api.POST("/sessions/:id/abort", h.AbortSession)
		api.GET("/sessions/:id/activities", h.ListSessionActivities)

		api.GET("/workspaces", h.ListWorkspaces)
		api.GET("/workspaces/:task_id", h.GetWorkspaceStatus)
		api.GET("/workspaces/:task_id/diff", h.GetWorkspaceDiff)
		api.POST("/workspaces/:task_id/merge", h.MergeWorkspace)
		api.POST("/workspaces/:task_id/viewed", h.MarkFileViewed)
		api.GET("/workspaces/:task_id/viewed", h.ListViewedFiles)
	}

	return router
}
