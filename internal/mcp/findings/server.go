// Package findings embeds an MCP server the review agent uses to report
// structured findings instead of free text. Findings are written to
// kanban/findings/<task_id>.json through the project layout.
package findings

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/opencode-studio/studio/internal/common/logger"
	"github.com/opencode-studio/studio/internal/project"
)

// ServerName is the name the server is registered under with the runtime.
const ServerName = "studio-findings"

// Severity levels accepted by the report_finding tool.
var severities = []string{"critical", "major", "minor", "nit"}

// Finding is one structured review finding.
type Finding struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Severity    string    `json:"severity"`
	FilePath    string    `json:"file_path,omitempty"`
	Line        int       `json:"line,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Server is the embedded findings MCP server. One instance serves all
// tasks; findings are bucketed by task id.
type Server struct {
	layout project.Layout
	port   int
	logger *logger.Logger

	mu       sync.Mutex
	findings map[string][]Finding
	running  bool

	httpServer *http.Server
	sseServer  *server.SSEServer
}

// NewServer creates a findings server writing artifacts through layout.
func NewServer(layout project.Layout, port int, log *logger.Logger) *Server {
	return &Server{
		layout:   layout,
		port:     port,
		logger:   log.WithFields(zap.String("component", "findings-mcp")),
		findings: make(map[string][]Finding),
	}
}

// Start begins serving MCP over SSE and streamable HTTP. Returns once the
// listener is bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("findings server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		ServerName,
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)

	s.sseServer = server.NewSSEServer(mcpServer)
	streamable := server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", streamable)

	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.logger.Info("findings MCP server listening", zap.Int("port", s.port))
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("findings MCP server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown findings server: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown SSE transport", zap.Error(err))
		}
	}
	return nil
}

// URL returns the streamable HTTP endpoint the runtime connects to.
func (s *Server) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/mcp", s.port)
}

// Reset clears the in-memory findings for a task before a review run.
func (s *Server) Reset(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.findings, taskID)
}

// Findings returns the collected findings for a task, worst severity first.
func (s *Server) Findings(taskID string) []Finding {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Finding, len(s.findings[taskID]))
	copy(out, s.findings[taskID])
	sort.SliceStable(out, func(i, j int) bool {
		return severityRank(out[i].Severity) < severityRank(out[j].Severity)
	})
	return out
}

func severityRank(severity string) int {
	for i, s := range severities {
		if s == severity {
			return i
		}
	}
	return len(severities)
}

// Flush writes the task's findings to kanban/findings/<task_id>.json and
// returns the count.
func (s *Server) Flush(taskID string) (int, error) {
	findings := s.Findings(taskID)
	data, err := json.MarshalIndent(findings, "", "  ")
	if err != nil {
		return 0, err
	}
	if err := project.SaveArtifact(s.layout.FindingsPath(taskID), data); err != nil {
		return 0, err
	}
	return len(findings), nil
}
