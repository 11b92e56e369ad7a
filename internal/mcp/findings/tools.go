package findings

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

func (s *Server) registerTools(srv *server.MCPServer) {
	srv.AddTool(
		mcp.NewTool("report_finding",
			mcp.WithDescription("Report one structured review finding. Call once per distinct issue found in the diff."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task being reviewed"),
			),
			mcp.WithString("severity",
				mcp.Required(),
				mcp.Description("One of: critical, major, minor, nit"),
			),
			mcp.WithString("title",
				mcp.Required(),
				mcp.Description("One-line summary of the issue"),
			),
			mcp.WithString("file_path",
				mcp.Description("File the finding applies to, relative to the workspace root"),
			),
			mcp.WithNumber("line",
				mcp.Description("Line number in file_path"),
			),
			mcp.WithString("description",
				mcp.Description("Detailed explanation and suggested fix"),
			),
		),
		s.reportFindingHandler(),
	)

	srv.AddTool(
		mcp.NewTool("list_findings",
			mcp.WithDescription("List the findings reported so far for a task."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task being reviewed"),
			),
		),
		s.listFindingsHandler(),
	)
}

func (s *Server) reportFindingHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		severity, err := req.RequireString("severity")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		severity = strings.ToLower(severity)
		if severityRank(severity) >= len(severities) {
			return mcp.NewToolResultError(fmt.Sprintf("severity must be one of: %s", strings.Join(severities, ", "))), nil
		}
		title, err := req.RequireString("title")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		finding := Finding{
			ID:          uuid.New().String(),
			TaskID:      taskID,
			Severity:    severity,
			FilePath:    req.GetString("file_path", ""),
			Line:        req.GetInt("line", 0),
			Title:       title,
			Description: req.GetString("description", ""),
			CreatedAt:   time.Now().UTC(),
		}

		s.mu.Lock()
		s.findings[taskID] = append(s.findings[taskID], finding)
		count := len(s.findings[taskID])
		s.mu.Unlock()

		s.logger.Debug("finding reported",
			zap.String("task_id", taskID),
			zap.String("severity", severity),
			zap.String("title", title))

		return mcp.NewToolResultText(fmt.Sprintf("Recorded finding %d (%s): %s", count, severity, title)), nil
	}
}

func (s *Server) listFindingsHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		findings := s.Findings(taskID)
		if len(findings) == 0 {
			return mcp.NewToolResultText("No findings reported yet."), nil
		}

		var sb strings.Builder
		for i, f := range findings {
			fmt.Fprintf(&sb, "%d. [%s] %s", i+1, f.Severity, f.Title)
			if f.FilePath != "" {
				fmt.Fprintf(&sb, " (%s:%d)", f.FilePath, f.Line)
			}
			sb.WriteString("\n")
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}
