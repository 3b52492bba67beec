// Command servo runs commands, live terminals and command sets on remote
// servers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/servo/pkg/config"
	"github.com/ormasoftchile/servo/pkg/console"
	"github.com/ormasoftchile/servo/pkg/schema"
	"github.com/ormasoftchile/servo/pkg/transport"
	"github.com/ormasoftchile/servo/pkg/vars"
)

// Version is set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath  string
	serversPath string
	stateDir    string
	logLevel    string
	envFile     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "servo",
	Short:         "Remote execution engine for server provisioning",
	Long:          "servo runs commands, live terminal sessions and ordered command sets on remote Linux and Windows servers over SSH.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// loadConfig reads servo.yaml and applies the persistent flag overrides.
func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, err
	}
	if serversPath != "" {
		cfg.Servers = serversPath
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, cfg.Validate()
}

// openService loads configuration and builds the console service. A nil
// dialer means SSH.
func openService(ctx context.Context, d transport.Dialer) (*console.Service, *config.Config, func() error, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)
	svc, closeAudit, err := console.Open(ctx, cfg, d, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return svc, cfg, closeAudit, nil
}

// parseVars turns repeated key=value flags into a map.
func parseVars(kvs []string) (map[string]string, error) {
	out := make(map[string]string, len(kvs))
	for _, v := range kvs {
		k, val, ok := strings.Cut(v, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --var %q: expected key=value", v)
		}
		out[k] = val
	}
	return out, nil
}

// --- validate ---

var validateVars []string

var validateCmd = &cobra.Command{
	Use:   "validate [commandset.yaml]",
	Short: "Validate a command set YAML file against the schema",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	extra, err := parseVars(validateVars)
	if err != nil {
		return err
	}
	cs, errs := schema.ValidateFile(args[0])
	if cs != nil {
		errs = append(errs, vars.CheckCommandSet(cs, extra)...)
	}
	if !printValidation(cmd.ErrOrStderr(), errs) {
		return fmt.Errorf("command set validation failed")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is valid (%d steps)\n", cs.Meta.Name, len(cs.Steps))
	return nil
}

// printValidation writes warnings and errors and reports whether the
// command set is usable.
func printValidation(w io.Writer, errs []*schema.ValidationError) bool {
	var failures []*schema.ValidationError
	for _, e := range errs {
		if e.Severity == "warning" {
			fmt.Fprintf(w, "  ⚠ [%s] %s\n", e.Phase, e.Message)
			if e.Path != "" {
				fmt.Fprintf(w, "    at: %s\n", e.Path)
			}
			continue
		}
		failures = append(failures, e)
	}
	if len(failures) == 0 {
		return true
	}
	fmt.Fprintf(w, "Validation failed: %d error(s)\n\n", len(failures))
	for i, e := range failures {
		fmt.Fprintf(w, "  %d. [%s] %s\n", i+1, e.Phase, e.Message)
		if e.Path != "" {
			fmt.Fprintf(w, "     at: %s\n", e.Path)
		}
	}
	return false
}

// loadCommandSet validates a file and prints warnings.
func loadCommandSet(w io.Writer, path string) (*schema.CommandSet, error) {
	cs, errs := schema.ValidateFile(path)
	if cs != nil {
		errs = append(errs, vars.CheckCommandSet(cs, nil)...)
	}
	if !printValidation(w, errs) {
		return nil, fmt.Errorf("command set validation failed")
	}
	return cs, nil
}

// --- schema ---

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Schema operations",
}

var schemaExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export JSON Schema to stdout",
	RunE:  runSchemaExport,
}

func runSchemaExport(cmd *cobra.Command, args []string) error {
	data, err := schema.GenerateJSONSchema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	var out json.RawMessage = data
	formatted, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		formatted = data
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(formatted))
	return nil
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "servo %s (build: %s)\n", version, commit)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Path to servo.yaml (default ./servo.yaml if present)")
	pf.StringVar(&serversPath, "servers", "", "Path to the servers file (overrides config)")
	pf.StringVar(&stateDir, "state-dir", "", "Directory for run state (overrides config)")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&envFile, "env-file", ".env", "Dotenv file with credentials; missing is fine")

	validateCmd.Flags().StringArrayVar(&validateVars, "var", nil, "Declare a variable supplied at run time (key=value), repeatable")

	schemaCmd.AddCommand(schemaExportCmd)

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(versionCmd)
}
