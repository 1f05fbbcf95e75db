package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/pysandbox/config"
	"github.com/isdmx/pysandbox/executor"
	"github.com/isdmx/pysandbox/extract"
	"github.com/isdmx/pysandbox/model"
	"github.com/isdmx/pysandbox/pool"
	"github.com/isdmx/pysandbox/pyerror"
)

// Executor is the execution core the tools call into
type Executor interface {
	RunOnce(ctx context.Context, req model.ExecutionRequest) (model.ExecutionResult, error)
	EvaluateSubmission(ctx context.Context, req model.SubmissionRequest) (model.SubmissionResult, error)
	PoolStats() pool.Stats
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	executor  Executor
	mcpServer *server.MCPServer

	mu         sync.Mutex
	httpServer *server.StreamableHTTPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, executor Executor) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		executor: executor,
	}

	s.mcpServer = server.NewMCPServer("pysandbox", "Pooled sandbox for untrusted Python")

	s.registerRunPythonTool()
	s.registerEvaluateSubmissionTool()
	s.registerPoolStatsTool()

	return s, nil
}

func (s *MCPServer) registerRunPythonTool() {
	tool := mcp.Tool{
		Name:        "run_python",
		Description: "Run Python code once in an isolated environment and return its output, captured plots and a classified error",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Python source code",
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Standard input for the program (optional)",
				},
			},
			Required: []string{"code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleRunPython)
}

func (s *MCPServer) registerEvaluateSubmissionTool() {
	tool := mcp.Tool{
		Name:        "evaluate_submission",
		Description: "Grade Python code against ordered test cases; stops at the first crash or timeout",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Python source code",
				},
				"testCases": map[string]any{
					"type":        "array",
					"description": "Ordered test cases",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"input":          map[string]any{"type": "string"},
							"expectedOutput": map[string]any{"type": "string"},
						},
						"required": []string{"expectedOutput"},
					},
				},
			},
			Required: []string{"code", "testCases"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleEvaluateSubmission)
}

func (s *MCPServer) registerPoolStatsTool() {
	tool := mcp.Tool{
		Name:        "pool_stats",
		Description: "Report warm pool occupancy per environment kind",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}

	s.mcpServer.AddTool(tool, s.handlePoolStats)
}

// handleRunPython handles the run_python tool
func (s *MCPServer) handleRunPython(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}
	stdin := request.GetString("stdin", "")

	s.logger.Info("run requested", zap.Int("code_bytes", len(code)), zap.Int("stdin_bytes", len(stdin)))

	result, err := s.executor.RunOnce(ctx, model.ExecutionRequest{Code: code, Stdin: stdin})
	if err != nil {
		s.logger.Error("run failed", zap.Error(err))
		return errorResult(err), nil
	}

	content, err := jsonContent(result)
	if err != nil {
		return nil, err
	}
	contents := []mcp.Content{content}
	if result.Error != nil {
		contents = append(contents, mcp.NewTextContent(pyerror.Format(*result.Error)))
	}
	for _, artifact := range result.Artifacts {
		contents = append(contents, mcp.NewImageContent(strings.TrimPrefix(artifact, extract.DataURIPrefix), "image/png"))
	}

	return &mcp.CallToolResult{Content: contents}, nil
}

// handleEvaluateSubmission handles the evaluate_submission tool
func (s *MCPServer) handleEvaluateSubmission(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var req model.SubmissionRequest
	if err := request.BindArguments(&req); err != nil {
		return nil, fmt.Errorf("failed to parse arguments: %w", err)
	}

	s.logger.Info("submission requested", zap.Int("test_cases", len(req.TestCases)))

	result, err := s.executor.EvaluateSubmission(ctx, req)
	if err != nil {
		s.logger.Error("submission failed", zap.Error(err))
		return errorResult(err), nil
	}

	content, err := jsonContent(result)
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{Content: []mcp.Content{content}}, nil
}

// handlePoolStats handles the pool_stats tool
func (s *MCPServer) handlePoolStats(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := jsonContent(s.executor.PoolStats())
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{Content: []mcp.Content{content}}, nil
}

func jsonContent(v any) (mcp.Content, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewTextContent(string(data)), nil
}

// errorResult reports err to the client. Only request validation messages
// are echoed; infrastructure detail stays in the server log.
func errorResult(err error) *mcp.CallToolResult {
	msg := "execution failed"
	if errors.Is(err, executor.ErrInvalidRequest) {
		msg = err.Error()
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(msg)},
		IsError: true,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP and blocks until Shutdown
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	s.mu.Lock()
	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)
	httpServer := s.httpServer
	s.mu.Unlock()

	err := httpServer.Start(fmt.Sprintf(":%d", port))
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP transport if it is running
func (s *MCPServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()
	if httpServer == nil {
		return nil
	}
	return httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
