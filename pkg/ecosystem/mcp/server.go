package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ormasoftchile/servo/pkg/console"
)

// NewServer creates a new MCP server with servo tools registered.
func NewServer(version string, svc *console.Service) *server.MCPServer {
	s := server.NewMCPServer(
		"servo",
		version,
		server.WithToolCapabilities(true),
	)
	h := &Handlers{Service: svc}

	s.AddTool(
		mcp.NewTool("servo/servers",
			mcp.WithDescription("List the configured servers"),
		),
		h.HandleServers,
	)

	s.AddTool(
		mcp.NewTool("servo/exec",
			mcp.WithDescription("Run one shell command on a server over a fresh connection"),
			mcp.WithString("server", mcp.Required(), mcp.Description("Server id from the servers file")),
			mcp.WithString("command", mcp.Required(), mcp.Description("Shell command line")),
			mcp.WithNumber("reserve_memory_mb", mcp.Description("Run inside a temporary swap reservation of this size (Linux only)")),
		),
		h.HandleExec,
	)

	s.AddTool(
		mcp.NewTool("servo/resolve",
			mcp.WithDescription("Expand {{key}} placeholders for a server"),
			mcp.WithString("server", mcp.Required(), mcp.Description("Server id")),
			mcp.WithString("template", mcp.Required(), mcp.Description("Command template")),
			mcp.WithObject("vars", mcp.Description("Static values; they win over dynamic variables")),
		),
		h.HandleResolve,
	)

	s.AddTool(
		mcp.NewTool("servo/session_init",
			mcp.WithDescription("Open a live terminal session (omit server for the offline mock shell)"),
			mcp.WithString("session", mcp.Required(), mcp.Description("Session id")),
			mcp.WithString("server", mcp.Description("Server id")),
		),
		h.HandleSessionInit,
	)

	s.AddTool(
		mcp.NewTool("servo/session_submit",
			mcp.WithDescription("Submit one command line to a live terminal session"),
			mcp.WithString("session", mcp.Required(), mcp.Description("Session id")),
			mcp.WithString("command", mcp.Required(), mcp.Description("Command line")),
		),
		h.HandleSessionSubmit,
	)

	s.AddTool(
		mcp.NewTool("servo/session_end",
			mcp.WithDescription("End a live terminal session and record its transcript"),
			mcp.WithString("session", mcp.Required(), mcp.Description("Session id")),
		),
		h.HandleSessionEnd,
	)

	s.AddTool(
		mcp.NewTool("servo/validate",
			mcp.WithDescription("Validate a servo command set YAML file"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to the command set YAML file")),
		),
		HandleValidate,
	)

	s.AddTool(
		mcp.NewTool("servo/schema",
			mcp.WithDescription("Export the command set JSON Schema"),
		),
		HandleSchema,
	)

	s.AddTool(
		mcp.NewTool("servo/run_start",
			mcp.WithDescription("Bind a command set to a server and open a run (or resume one)"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to the command set YAML file")),
			mcp.WithString("server", mcp.Required(), mcp.Description("Server id")),
			mcp.WithString("resume", mcp.Description("Run id to resume")),
			mcp.WithObject("vars", mcp.Description("Variable overrides")),
		),
		h.HandleRunStart,
	)

	s.AddTool(
		mcp.NewTool("servo/run_step",
			mcp.WithDescription("Run, retry or skip one step of an open run"),
			mcp.WithString("run", mcp.Required(), mcp.Description("Run id")),
			mcp.WithString("step", mcp.Required(), mcp.Description("Step id or 1-based number")),
			mcp.WithString("action", mcp.Description("run (default), retry or skip")),
		),
		h.HandleRunStep,
	)

	s.AddTool(
		mcp.NewTool("servo/run_all",
			mcp.WithDescription("Run every remaining step, halting on the first failure"),
			mcp.WithString("run", mcp.Required(), mcp.Description("Run id")),
		),
		h.HandleRunAll,
	)

	s.AddTool(
		mcp.NewTool("servo/run_uninstall",
			mcp.WithDescription("Run every uninstall command in reverse step order"),
			mcp.WithString("run", mcp.Required(), mcp.Description("Run id")),
		),
		h.HandleRunUninstall,
	)

	s.AddTool(
		mcp.NewTool("servo/run_status",
			mcp.WithDescription("Show a run's step statuses and history"),
			mcp.WithString("run", mcp.Required(), mcp.Description("Run id")),
		),
		h.HandleRunStatus,
	)

	s.AddTool(
		mcp.NewTool("servo/run_close",
			mcp.WithDescription("Write the run manifest and close the run"),
			mcp.WithString("run", mcp.Required(), mcp.Description("Run id")),
		),
		h.HandleRunClose,
	)

	return s
}
