package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opencode-studio/studio/internal/common/logger"
	"github.com/opencode-studio/studio/internal/events/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// local control plane, UI runs on a different port
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades connections and binds each one to a bus subscription.
type Handler struct {
	bus    *bus.Broadcaster
	logger *logger.Logger
}

// NewHandler creates the /ws handler.
func NewHandler(b *bus.Broadcaster, log *logger.Logger) *Handler {
	return &Handler{bus: b, logger: log.WithFields(zap.String("component", "ws-gateway"))}
}

// Handle is the gin handler for GET /ws.
func (h *Handler) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(conn, h.bus.Subscribe(), h.logger)
	client.Run(c.Request.Context())
}
