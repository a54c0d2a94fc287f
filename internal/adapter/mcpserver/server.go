// Package mcpserver exposes the host contract as Model Context Protocol tools
// over stdio, so editors and agents can drive the terminal backend.
package mcpserver

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"lia-terminal/internal/usecase/surface"
)

// Tool names. They match the gateway's host contract methods.
const (
	ToolGetCurrentDirectory = "get_current_directory"
	ToolChangeDirectory     = "change_directory"
	ToolExecuteCommand      = "execute_command"
)

// Options configures a Server.
type Options struct {
	Name    string // default: "lia-terminal"
	Version string
	Logger  *slog.Logger
}

// Server serves the three host operations as MCP tools.
type Server struct {
	mcp    *server.MCPServer
	legacy *surface.Legacy
	logger *slog.Logger
}

// New builds a Server on top of legacy.
func New(legacy *surface.Legacy, opts Options) *Server {
	if opts.Name == "" {
		opts.Name = "lia-terminal"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		mcp: server.NewMCPServer(opts.Name, opts.Version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
		legacy: legacy,
		logger: opts.Logger,
	}

	s.mcp.AddTool(mcp.NewTool(ToolGetCurrentDirectory,
		mcp.WithDescription("Return the terminal's current working directory."),
	), s.getCurrentDirectory)

	s.mcp.AddTool(mcp.NewTool(ToolChangeDirectory,
		mcp.WithDescription("Change the working directory. Relative paths resolve against the current directory."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Target directory")),
	), s.changeDirectory)

	s.mcp.AddTool(mcp.NewTool(ToolExecuteCommand,
		mcp.WithDescription("Run a program with arguments and return its output. Stderr replaces stdout when non-empty unless the output policy is combined."),
		mcp.WithString("commandName", mcp.Required(), mcp.Description("Program to run")),
		mcp.WithArray("args", mcp.WithStringItems(), mcp.Description("Program arguments")),
		mcp.WithString("workingDir", mcp.Description("Directory to run in; defaults to the current directory")),
	), s.executeCommand)

	return s
}

// Serve speaks MCP over in and out until ctx is cancelled or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("mcp server listening on stdio")
	return stdio.Listen(ctx, in, out)
}

// HandleMessage processes one raw JSON-RPC message and returns the reply.
func (s *Server) HandleMessage(ctx context.Context, msg []byte) mcp.JSONRPCMessage {
	return s.mcp.HandleMessage(ctx, msg)
}

func (s *Server) getCurrentDirectory(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(s.legacy.GetCurrentDirectory(ctx)), nil
}

func (s *Server) changeDirectory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out := s.legacy.ChangeDirectory(ctx, path)
	return textResult(out, strings.HasPrefix(out, surface.ChangeDirectoryFailurePrefix)), nil
}

func (s *Server) executeCommand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	program, err := req.RequireString("commandName")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	args := req.GetStringSlice("args", nil)
	workingDir := req.GetString("workingDir", "")

	s.logger.Debug("mcp execute_command", "program", program, "args", len(args))
	out := s.legacy.ExecuteCommand(ctx, program, args, workingDir)
	return textResult(out, strings.HasPrefix(out, surface.ExecuteFailurePrefix)), nil
}

// textResult keeps the host contract's text and flags failures for MCP clients.
func textResult(text string, failed bool) *mcp.CallToolResult {
	res := mcp.NewToolResultText(text)
	res.IsError = failed
	return res
}
