package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/ormasoftchile/servo/pkg/audit"
	"github.com/ormasoftchile/servo/pkg/console"
	"github.com/ormasoftchile/servo/pkg/diagram"
	"github.com/ormasoftchile/servo/pkg/executor"
	"github.com/ormasoftchile/servo/pkg/runtime"
	"github.com/ormasoftchile/servo/pkg/schema"
	"github.com/ormasoftchile/servo/pkg/vars"
)

// --- describe ---

var (
	describeFormat string
	describeRun    string
)

var describeCmd = &cobra.Command{
	Use:   "describe [commandset.yaml]",
	Short: "Render a command set as markdown or a flow diagram",
	Long: `Render a command set.

  --format markdown (default) renders the steps as formatted text.
  --format mermaid or ascii draws the flow; --run colours it by that run's progress.`,
	Args: cobra.ExactArgs(1),
	RunE: runDescribe,
}

func runDescribe(cmd *cobra.Command, args []string) error {
	cs, err := loadCommandSet(cmd.ErrOrStderr(), args[0])
	if err != nil {
		return err
	}
	if describeFormat != "markdown" {
		var statuses []runtime.Status
		if describeRun != "" {
			if statuses, err = runStatuses(describeRun); err != nil {
				return err
			}
		}
		out, err := diagram.Generate(cs, diagram.Format(describeFormat), statuses)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return err
	}
	out, err := r.Render(describeMarkdown(cs))
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	return nil
}

// runStatuses loads the step statuses from a run's newest snapshot.
func runStatuses(runID string) ([]runtime.Status, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	path, err := runtime.LatestSnapshot(filepath.Join(cfg.StateDir, runID, "snapshots"))
	if err != nil {
		return nil, err
	}
	state, err := runtime.LoadSnapshot(path)
	if err != nil {
		return nil, err
	}
	return state.Statuses, nil
}

// describeMarkdown lays a command set out as a markdown document.
func describeMarkdown(cs *schema.CommandSet) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", cs.Meta.Name)
	if cs.Meta.Description != "" {
		b.WriteString(strings.TrimSpace(cs.Meta.Description) + "\n\n")
	}
	if cs.Meta.Capability != "" {
		fmt.Fprintf(&b, "**Capability:** %s\n\n", cs.Meta.Capability)
	}
	if len(cs.Meta.Vars) > 0 {
		b.WriteString("| Variable | Default |\n|---|---|\n")
		for _, k := range sortedKeys(cs.Meta.Vars) {
			fmt.Fprintf(&b, "| `%s` | `%s` |\n", k, cs.Meta.Vars[k])
		}
		b.WriteString("\n")
	}
	for i, s := range cs.Steps {
		fmt.Fprintf(&b, "## %d. %s\n\n", i+1, s.Title)
		var flags []string
		flags = append(flags, "`"+s.ID+"`")
		if s.Skippable {
			flags = append(flags, "skippable")
		}
		if s.Repeatable {
			flags = append(flags, "repeatable")
		}
		if s.ReserveMemoryMB > 0 {
			flags = append(flags, fmt.Sprintf("reserves %d MB swap", s.ReserveMemoryMB))
		}
		b.WriteString(strings.Join(flags, " · ") + "\n\n")
		if s.Description != "" {
			b.WriteString(strings.TrimSpace(s.Description) + "\n\n")
		}
		if s.When != "" {
			fmt.Fprintf(&b, "Runs when `%s`.\n\n", s.When)
		}
		fmt.Fprintf(&b, "```sh\n%s\n```\n\n", strings.TrimSpace(s.Command))
		if s.CheckCommand != "" {
			fmt.Fprintf(&b, "Already done if this succeeds:\n\n```sh\n%s\n```\n\n", strings.TrimSpace(s.CheckCommand))
		}
		if s.UninstallCommand != "" {
			fmt.Fprintf(&b, "Uninstall:\n\n```sh\n%s\n```\n\n", strings.TrimSpace(s.UninstallCommand))
		}
	}
	return b.String()
}

// --- audit ---

var (
	auditServer string
	auditRun    string
	auditKind   string
	auditLimit  int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the SQLite audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Audit.SQLite == "" {
			return fmt.Errorf("audit.sqlite is not configured")
		}
		db, err := audit.OpenSQLite(cmd.Context(), cfg.Audit.SQLite)
		if err != nil {
			return err
		}
		defer db.Close()
		entries, err := db.List(cmd.Context(), audit.Filter{
			ServerID: auditServer,
			RunID:    auditRun,
			Kind:     audit.Kind(auditKind),
			Limit:    auditLimit,
		})
		if err != nil {
			return err
		}
		printAudit(cmd.OutOrStdout(), entries)
		return nil
	},
}

func printAudit(w io.Writer, entries []audit.Entry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tSERVER\tREF\tSTATUS\tCOMMAND")
	for _, e := range entries {
		ref := e.SessionID
		if e.RunID != "" {
			ref = e.RunID + "/" + e.StepID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Time.Local().Format(time.DateTime), e.Kind, e.ServerID, ref, e.Status, firstLine(e.Command))
	}
	tw.Flush()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}

// --- trace ---

var traceCmd = &cobra.Command{
	Use:   "trace [run-id]",
	Short: "Print the trace of a persisted run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		events, err := runtime.ReadTrace(filepath.Join(cfg.StateDir, args[0], "trace.jsonl"))
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for _, ev := range events {
			ts := ev.Timestamp.Local().Format("15:04:05")
			switch {
			case ev.Result != nil:
				r := ev.Result
				line := fmt.Sprintf("%s  %s %s %s", ts, statusIcon(r.Status), r.StepID, r.Status)
				if r.Note != "" {
					line += " (" + r.Note + ")"
				}
				fmt.Fprintln(w, line)
			case ev.Uninstall != nil:
				u := ev.Uninstall
				status := "uninstalled"
				if u.Error != "" {
					status = "uninstall failed: " + u.Error
				}
				fmt.Fprintf(w, "%s  ↺ %s %s\n", ts, u.StepID, status)
			}
		}
		fmt.Fprintf(w, "%d events\n", len(events))
		return nil
	},
}

// --- check ---

var (
	checkServer   string
	checkVars     []string
	checkInterval time.Duration
)

var checkCmd = &cobra.Command{
	Use:   "check [commandset.yaml]",
	Short: "Run every step's check command and report drift",
	Long:  "Runs the check_command of every step against the server. With --interval the pass repeats until interrupted or a step drifts.",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	if checkServer == "" {
		return fmt.Errorf("--server is required")
	}
	ctx := cmd.Context()
	cs, err := loadCommandSet(cmd.ErrOrStderr(), args[0])
	if err != nil {
		return err
	}
	overrides, err := parseVars(checkVars)
	if err != nil {
		return err
	}
	svc, _, closeAudit, err := openService(ctx, nil)
	if err != nil {
		return err
	}
	defer closeAudit()

	for {
		ts := time.Now().Format("15:04:05")
		drifted, err := checkPass(ctx, cmd.OutOrStdout(), svc, cs, overrides)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %d step(s) drifted\n", ts, len(drifted))
		if checkInterval <= 0 {
			if len(drifted) > 0 {
				return fmt.Errorf("drift in %s", strings.Join(drifted, ", "))
			}
			return nil
		}
		if len(drifted) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "  Check stopped: drift in %s\n", strings.Join(drifted, ", "))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(checkInterval):
		}
	}
}

// checkPass runs each check command once and returns the ids of steps
// whose check failed. Steps without a check command are not reported.
func checkPass(ctx context.Context, w io.Writer, svc *console.Service, cs *schema.CommandSet, overrides map[string]string) ([]string, error) {
	t, err := svc.Target(checkServer)
	if err != nil {
		return nil, err
	}
	static := make(map[string]any, len(cs.Meta.Vars)+len(overrides))
	for k, v := range cs.Meta.Vars {
		static[k] = v
	}
	for k, v := range overrides {
		static[k] = v
	}
	runner := executor.Bind(svc.Executor, t)
	r := &vars.Resolver{Static: static, Capability: vars.CapabilityFor(t.OSFamily()), Runner: runner, Logger: svc.Logger}

	var drifted []string
	for _, s := range cs.Steps {
		if strings.TrimSpace(s.CheckCommand) == "" {
			continue
		}
		_, err := runner.Run(ctx, r.Resolve(ctx, s.CheckCommand))
		switch {
		case err == nil:
			fmt.Fprintf(w, "  ✓ %s\n", s.ID)
		case executor.IsTransport(err):
			return drifted, err
		default:
			fmt.Fprintf(w, "  ✗ %s (exit %d)\n", s.ID, executor.ExitCode(err))
			drifted = append(drifted, s.ID)
		}
	}
	return drifted, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func init() {
	describeCmd.Flags().StringVar(&describeFormat, "format", "markdown", "Output format: markdown, mermaid or ascii")
	describeCmd.Flags().StringVar(&describeRun, "run", "", "Mark steps with the status they have in this run")

	auditCmd.Flags().StringVar(&auditServer, "server", "", "Only entries for this server")
	auditCmd.Flags().StringVar(&auditRun, "run", "", "Only entries for this run")
	auditCmd.Flags().StringVar(&auditKind, "kind", "", "Only entries of this kind (command_result, terminal_transcript, step_result, uninstall)")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum entries")

	checkCmd.Flags().StringVar(&checkServer, "server", "", "Server id from the servers file")
	checkCmd.Flags().StringArrayVar(&checkVars, "var", nil, "Override a meta.vars value (key=value), repeatable")
	checkCmd.Flags().DurationVar(&checkInterval, "interval", 0, "Repeat the pass at this interval (e.g. 5m)")

	rootCmd.AddCommand(describeCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(traceCmd)
	rootCmd.AddCommand(checkCmd)
}
