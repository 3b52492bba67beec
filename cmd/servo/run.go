package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/servo/pkg/console"
	"github.com/ormasoftchile/servo/pkg/debugger"
	"github.com/ormasoftchile/servo/pkg/ecosystem/recorder"
	"github.com/ormasoftchile/servo/pkg/replay"
	"github.com/ormasoftchile/servo/pkg/runtime"
	"github.com/ormasoftchile/servo/pkg/transport"
	"github.com/ormasoftchile/servo/pkg/tui"
)

var (
	runServer      string
	runVars        []string
	runResume      string
	runScenario    string
	runRecord      string
	runRedactEnv   []string
	runActor       string
	runInteractive bool
	runTUI         bool
)

var runCmd = &cobra.Command{
	Use:   "run [commandset.yaml]",
	Short: "Run a command set against a server",
	Long: `Run a command set against a server, step by step, stopping at the first failure.

  --scenario replays recorded responses instead of connecting.
  --record captures live responses into a scenario file.
  --interactive opens the step debugger, --tui the terminal UI.
  --resume continues a persisted run.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

// runDialer picks the transport for the run flags. The recorder, when
// returned, must be flushed after the run.
func runDialer() (transport.Dialer, *recorder.Recorder, string, error) {
	switch {
	case runScenario != "" && runRecord != "":
		return nil, nil, "", errors.New("--scenario and --record are mutually exclusive")
	case runScenario != "":
		sc, err := replay.LoadScenario(runScenario)
		if err != nil {
			return nil, nil, "", err
		}
		return replay.NewDialer(sc), nil, "replay", nil
	case runRecord != "":
		cfg, err := loadConfig()
		if err != nil {
			return nil, nil, "", err
		}
		rec := recorder.New(cfg.Dialer(nil))
		rec.SetSecrets(runRedactEnv)
		return rec, rec, "real", nil
	}
	return nil, nil, "real", nil
}

// openRun starts or resumes the run the flags describe.
func openRun(ctx context.Context, w io.Writer, path string) (*console.Service, *runtime.Engine, *recorder.Recorder, func() error, error) {
	if runServer == "" {
		return nil, nil, nil, nil, errors.New("--server is required")
	}
	cs, err := loadCommandSet(w, path)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	overrides, err := parseVars(runVars)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	d, rec, mode, err := runDialer()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	svc, _, closeAudit, err := openService(ctx, d)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if rec != nil {
		rec.Governance = svc.Executor.Governance
	}

	opts := runtime.Options{Vars: overrides, Actor: runActor, Mode: mode}
	var e *runtime.Engine
	if runResume != "" {
		e, err = svc.ResumeRun(cs, runServer, runResume, opts)
	} else {
		e, err = svc.StartRun(cs, runServer, opts)
	}
	if err != nil {
		closeAudit()
		return nil, nil, nil, nil, err
	}
	return svc, e, rec, closeAudit, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	if runInteractive && runTUI {
		return errors.New("--interactive and --tui are mutually exclusive")
	}
	svc, e, rec, closeAudit, err := openRun(ctx, cmd.ErrOrStderr(), args[0])
	if err != nil {
		return err
	}
	defer closeAudit()

	fmt.Fprintf(out, "Run %s: %s on %s\n", e.RunID(), e.Set.Meta.Name, runServer)
	var runErr error
	switch {
	case runInteractive:
		dbg := debugger.New(e)
		dbg.SetOutput(out)
		runErr = dbg.Run(ctx)
	case runTUI:
		runErr = tui.Run(e)
	default:
		runErr = e.RunAll(ctx)
		printResults(out, e)
	}

	if err := svc.CloseRun(e.RunID()); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}
	if rec != nil {
		if err := rec.WriteFile(runRecord); err != nil {
			return err
		}
		fmt.Fprintf(out, "Recorded scenario to %s\n", runRecord)
	}
	return runErr
}

// printResults writes one line per step plus the failing step's output.
func printResults(w io.Writer, e *runtime.Engine) {
	for i, st := range e.Statuses() {
		step := e.Set.Steps[i]
		line := fmt.Sprintf("  %s %-20s %s", statusIcon(st), step.ID, st)
		last, ok := e.Last(i)
		if ok && last.Note != "" {
			line += " (" + last.Note + ")"
		}
		fmt.Fprintln(w, line)
		if ok && st == runtime.StatusError {
			if last.Stderr != "" {
				fmt.Fprintf(w, "    %s\n", last.Stderr)
			}
			if last.Error != "" {
				fmt.Fprintf(w, "    error: %s\n", last.Error)
			}
		}
	}
	m := e.BuildManifest()
	fmt.Fprintf(w, "\n%d steps: %d success, %d error, %d skipped, %d pending\n",
		m.StepsSummary.Total, m.StepsSummary.Success, m.StepsSummary.Error, m.StepsSummary.Skipped, m.StepsSummary.Pending)
}

func statusIcon(s runtime.Status) string {
	switch s {
	case runtime.StatusSuccess:
		return "✓"
	case runtime.StatusError:
		return "✗"
	case runtime.StatusSkipped:
		return "⊘"
	case runtime.StatusRunning:
		return "▶"
	default:
		return "·"
	}
}

// --- uninstall ---

var uninstallCmd = &cobra.Command{
	Use:   "uninstall [commandset.yaml]",
	Short: "Tear a persisted run down in reverse step order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if runResume == "" {
			return errors.New("--run is required")
		}
		svc, e, rec, closeAudit, err := openRun(cmd.Context(), cmd.ErrOrStderr(), args[0])
		if err != nil {
			return err
		}
		defer closeAudit()

		out := cmd.OutOrStdout()
		results, uerr := e.UninstallAll(cmd.Context())
		for _, ur := range results {
			switch {
			case !ur.Ran:
				fmt.Fprintf(out, "  · %s: nothing to uninstall\n", ur.StepID)
			case ur.Error != "":
				fmt.Fprintf(out, "  ✗ %s: %s\n", ur.StepID, ur.Error)
			default:
				fmt.Fprintf(out, "  ✓ %s uninstalled\n", ur.StepID)
			}
		}
		if err := svc.CloseRun(e.RunID()); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		}
		if rec != nil {
			if err := rec.WriteFile(runRecord); err != nil {
				return err
			}
		}
		return uerr
	},
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List persisted runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		manifests, err := listRuns(cfg.StateDir)
		if err != nil {
			return err
		}
		if len(manifests) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs.")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tCOMMAND SET\tSERVER\tMODE\tSUCCESS\tERROR\tSKIPPED\tPENDING")
		for _, m := range manifests {
			s := m.StepsSummary
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n", m.RunID, m.CommandSet, m.Target, m.Mode, s.Success, s.Error, s.Skipped, s.Pending)
		}
		return tw.Flush()
	},
}

// listRuns reads run.yaml from every run directory, newest first. Runs that
// never wrote a manifest are listed by id only.
func listRuns(dir string) ([]*runtime.RunManifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state dir: %w", err)
	}
	var out []*runtime.RunManifest
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		m := &runtime.RunManifest{RunID: ent.Name()}
		if data, err := os.ReadFile(filepath.Join(dir, ent.Name(), "run.yaml")); err == nil {
			if err := yaml.Unmarshal(data, m); err != nil {
				return nil, fmt.Errorf("%s: %w", ent.Name(), err)
			}
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID > out[j].RunID })
	return out, nil
}

func init() {
	for _, c := range []*cobra.Command{runCmd, uninstallCmd} {
		c.Flags().StringVar(&runServer, "server", "", "Server id from the servers file")
		c.Flags().StringArrayVar(&runVars, "var", nil, "Override a meta.vars value (key=value), repeatable")
		c.Flags().StringVar(&runScenario, "scenario", "", "Replay responses from a scenario file instead of connecting")
		c.Flags().StringVar(&runRecord, "record", "", "Record live responses to a scenario file")
		c.Flags().StringArrayVar(&runRedactEnv, "redact-env", nil, "Environment variable whose value is masked in the recording, repeatable")
		c.Flags().StringVar(&runActor, "actor", os.Getenv("USER"), "Operator name recorded in the run")
	}
	runCmd.Flags().StringVar(&runResume, "resume", "", "Resume a persisted run by id")
	runCmd.Flags().BoolVarP(&runInteractive, "interactive", "i", false, "Step through the run in the debugger")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Step through the run in the terminal UI")
	uninstallCmd.Flags().StringVar(&runResume, "run", "", "Run id to tear down")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(runsCmd)
}
