package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ormasoftchile/servo/pkg/console"
	"github.com/ormasoftchile/servo/pkg/executor"
	"github.com/ormasoftchile/servo/pkg/runtime"
	"github.com/ormasoftchile/servo/pkg/schema"
	"github.com/ormasoftchile/servo/pkg/vars"
)

// Handlers binds the stateful tools to a console service.
type Handlers struct {
	Service *console.Service
}

// HandleValidate implements the servo/validate MCP tool.
func HandleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	path, _ := args["path"].(string)
	if path == "" {
		return errorResult("path argument is required"), nil
	}

	cs, errs := schema.ValidateFile(path)
	if cs != nil {
		errs = append(errs, vars.CheckCommandSet(cs, nil)...)
	}
	if schema.HasErrors(errs) {
		return errorResult(formatFindings(errs, "error")), nil
	}
	msg := fmt.Sprintf("✓ %s is valid (%d steps)", cs.Meta.Name, len(cs.Steps))
	if w := formatFindings(errs, "warning"); w != "" {
		msg += "\nwarnings: " + w
	}
	return textResult(msg), nil
}

// HandleSchema implements the servo/schema MCP tool.
func HandleSchema(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := schema.GenerateJSONSchema()
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(string(data)), nil
}

// HandleServers implements the servo/servers MCP tool.
func (h *Handlers) HandleServers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type server struct {
		ID   string `json:"id"`
		Addr string `json:"address"`
		OS   string `json:"os"`
	}
	var out []server
	for _, id := range h.Service.Servers() {
		t, err := h.Service.Target(id)
		if err != nil {
			continue
		}
		out = append(out, server{ID: id, Addr: t.String(), OS: t.OSFamily()})
	}
	return jsonResult(out, false)
}

// HandleExec implements the servo/exec MCP tool. A command that ran and
// failed is reported with its output; only a transport failure lacks an
// exit code.
func (h *Handlers) HandleExec(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	serverID, _ := args["server"].(string)
	command, _ := args["command"].(string)
	if serverID == "" || command == "" {
		return errorResult("server and command arguments are required"), nil
	}
	var opts executor.Options
	if mb, ok := args["reserve_memory_mb"].(float64); ok && mb > 0 {
		opts.ResourceReservation = true
		opts.ReservationSizeMB = int(mb)
	}

	res, err := h.Service.ExecuteCommand(ctx, serverID, command, opts)
	if res == nil {
		return errorResult(err.Error()), nil
	}
	gov := h.Service.Executor.Governance
	status := "success"
	switch {
	case executor.IsTransport(err):
		status = "transport_error"
	case err != nil:
		status = "error"
	}
	response := map[string]any{
		"command":   gov.Redact(res.Command),
		"stdout":    gov.Redact(res.Stdout),
		"stderr":    gov.Redact(res.Stderr),
		"duration":  res.Duration.String(),
		"exit_code": res.ExitCode,
		"status":    status,
	}
	if err != nil {
		response["error"] = gov.Redact(err.Error())
	}
	return jsonResult(response, err != nil)
}

// HandleResolve implements the servo/resolve MCP tool.
func (h *Handlers) HandleResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	serverID, _ := args["server"].(string)
	tmpl, _ := args["template"].(string)
	if serverID == "" || tmpl == "" {
		return errorResult("server and template arguments are required"), nil
	}
	static, _ := args["vars"].(map[string]any)
	out, err := h.Service.Resolve(ctx, serverID, tmpl, static)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(map[string]any{"resolved": out, "unresolved": vars.Unresolved(out)}, false)
}

// HandleSessionInit implements the servo/session_init MCP tool.
func (h *Handlers) HandleSessionInit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	id, _ := args["session"].(string)
	if id == "" {
		return errorResult("session argument is required"), nil
	}
	serverID, _ := args["server"].(string)
	sess, err := h.Service.InitSession(ctx, id, serverID)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(map[string]any{"session": sess.ID, "cwd": sess.Cwd, "status": sess.Status}, false)
}

// HandleSessionSubmit implements the servo/session_submit MCP tool.
func (h *Handlers) HandleSessionSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	id, _ := args["session"].(string)
	command, _ := args["command"].(string)
	if id == "" {
		return errorResult("session argument is required"), nil
	}
	reply, err := h.Service.SubmitCommand(ctx, id, command)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(reply, false)
}

// HandleSessionEnd implements the servo/session_end MCP tool.
func (h *Handlers) HandleSessionEnd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, _ := req.GetArguments()["session"].(string)
	if err := h.Service.EndSession(ctx, id); err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(fmt.Sprintf("session %s ended", id)), nil
}

// HandleRunStart implements the servo/run_start MCP tool.
func (h *Handlers) HandleRunStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	path, _ := args["path"].(string)
	serverID, _ := args["server"].(string)
	if path == "" || serverID == "" {
		return errorResult("path and server arguments are required"), nil
	}
	cs, errs := schema.ValidateFile(path)
	if schema.HasErrors(errs) {
		return errorResult(formatFindings(errs, "error")), nil
	}
	opts := runtime.Options{Actor: "mcp", Vars: make(map[string]string)}
	if raw, ok := args["vars"].(map[string]any); ok {
		for k, v := range raw {
			opts.Vars[k] = fmt.Sprint(v)
		}
	}

	var e *runtime.Engine
	var err error
	if runID, _ := args["resume"].(string); runID != "" {
		e, err = h.Service.ResumeRun(cs, serverID, runID, opts)
	} else {
		e, err = h.Service.StartRun(cs, serverID, opts)
	}
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(e.BuildManifest(), false)
}

// HandleRunStep implements the servo/run_step MCP tool.
func (h *Handlers) HandleRunStep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	runID, _ := args["run"].(string)
	e, err := h.Service.Run(runID)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	stepArg, _ := args["step"].(string)
	i, err := stepIndex(e.Set, stepArg)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	action, _ := args["action"].(string)
	switch action {
	case "", "run":
		_, err = h.Service.RunStep(ctx, runID, i)
	case "retry":
		_, err = h.Service.RetryStep(ctx, runID, i)
	case "skip":
		err = h.Service.SkipStep(ctx, runID, i)
	default:
		return errorResult(fmt.Sprintf("unknown action %q: use run, retry or skip", action)), nil
	}
	response := map[string]any{"status": e.Statuses()[i]}
	if last, ok := e.Last(i); ok {
		response["result"] = last
	}
	if err != nil {
		response["error"] = err.Error()
	}
	return jsonResult(response, err != nil)
}

// HandleRunAll implements the servo/run_all MCP tool.
func (h *Handlers) HandleRunAll(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, _ := req.GetArguments()["run"].(string)
	e, err := h.Service.Run(runID)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	err = h.Service.RunAll(ctx, runID)
	response := map[string]any{"summary": e.BuildManifest().StepsSummary, "steps": e.BuildManifest().Steps}
	if err != nil {
		response["error"] = err.Error()
	}
	return jsonResult(response, err != nil)
}

// HandleRunUninstall implements the servo/run_uninstall MCP tool.
func (h *Handlers) HandleRunUninstall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, _ := req.GetArguments()["run"].(string)
	results, err := h.Service.UninstallAll(ctx, runID)
	if results == nil && err != nil {
		return errorResult(err.Error()), nil
	}
	response := map[string]any{"results": results}
	if err != nil {
		response["error"] = err.Error()
	}
	return jsonResult(response, err != nil)
}

// HandleRunStatus implements the servo/run_status MCP tool.
func (h *Handlers) HandleRunStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, _ := req.GetArguments()["run"].(string)
	e, err := h.Service.Run(runID)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(e.State(), false)
}

// HandleRunClose implements the servo/run_close MCP tool.
func (h *Handlers) HandleRunClose(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, _ := req.GetArguments()["run"].(string)
	if err := h.Service.CloseRun(runID); err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(fmt.Sprintf("run %s closed", runID)), nil
}

// stepIndex accepts a step id or a 1-based step number.
func stepIndex(cs *schema.CommandSet, arg string) (int, error) {
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(cs.Steps) {
			return 0, fmt.Errorf("step %d out of range 1-%d", n, len(cs.Steps))
		}
		return n - 1, nil
	}
	if i := cs.StepIndex(arg); i >= 0 {
		return i, nil
	}
	return 0, fmt.Errorf("no step %q", arg)
}

func formatFindings(errs []*schema.ValidationError, severity string) string {
	var msgs []string
	for _, e := range errs {
		if e.Severity == severity {
			msgs = append(msgs, e.Error())
		}
	}
	return strings.Join(msgs, "; ")
}

func jsonResult(v any, isErr bool) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(data))},
		IsError: isErr,
	}, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(msg),
		},
		IsError: true,
	}
}
