package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ormasoftchile/servo/pkg/executor"
	"github.com/ormasoftchile/servo/pkg/repl"
)

// --- exec ---

var (
	execReserveMB int
	execVars      []string
)

var execCmd = &cobra.Command{
	Use:   "exec <server> -- <command...>",
	Short: "Run one command on a server over a fresh connection",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runExec,
}

func runExec(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, _, closeAudit, err := openService(ctx, nil)
	if err != nil {
		return err
	}
	defer closeAudit()

	command := strings.Join(args[1:], " ")
	if len(execVars) > 0 {
		static, err := parseVars(execVars)
		if err != nil {
			return err
		}
		resolved := make(map[string]any, len(static))
		for k, v := range static {
			resolved[k] = v
		}
		if command, err = svc.Resolve(ctx, args[0], command, resolved); err != nil {
			return err
		}
	}
	opts := executor.Options{}
	if execReserveMB > 0 {
		opts.ResourceReservation = true
		opts.ReservationSizeMB = execReserveMB
	}

	res, err := svc.ExecuteCommand(ctx, args[0], command, opts)
	if res != nil {
		fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
		fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
	}
	if code := executor.ExitCode(err); code > 0 {
		cmd.SilenceErrors = true
		os.Exit(code)
	}
	return err
}

// --- resolve ---

var resolveVars []string

var resolveCmd = &cobra.Command{
	Use:   "resolve <server> <template>",
	Short: "Expand {{key}} placeholders against a server",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		static, err := parseVars(resolveVars)
		if err != nil {
			return err
		}
		svc, _, closeAudit, err := openService(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer closeAudit()
		values := make(map[string]any, len(static))
		for k, v := range static {
			values[k] = v
		}
		out, err := svc.Resolve(cmd.Context(), args[0], args[1], values)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

// --- servers ---

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "List the configured servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, closeAudit, err := openService(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer closeAudit()
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tADDRESS\tOS")
		for _, id := range svc.Servers() {
			t, err := svc.Target(id)
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", id, t, t.OSFamily())
		}
		return tw.Flush()
	},
}

// --- shell ---

var shellSession string

var shellCmd = &cobra.Command{
	Use:   "shell [server]",
	Short: "Open a live terminal session (no server gives the offline mock shell)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, closeAudit, err := openService(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer closeAudit()
		serverID := ""
		if len(args) == 1 {
			serverID = args[0]
		}
		id := shellSession
		if id == "" {
			id = uuid.NewString()
		}
		sh, err := repl.Open(cmd.Context(), svc, id, serverID)
		if err != nil {
			return err
		}
		sh.SetOutput(cmd.OutOrStdout())
		return sh.Run(cmd.Context())
	},
}

func init() {
	execCmd.Flags().IntVar(&execReserveMB, "reserve-memory", 0, "Run inside a temporary swap reservation of this many MB (Linux only)")
	execCmd.Flags().StringArrayVar(&execVars, "var", nil, "Resolve {{key}} placeholders first (key=value), repeatable")
	resolveCmd.Flags().StringArrayVar(&resolveVars, "var", nil, "Static value (key=value), repeatable")
	shellCmd.Flags().StringVar(&shellSession, "session", "", "Session id (default a random uuid)")

	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(serversCmd)
	rootCmd.AddCommand(shellCmd)
}
