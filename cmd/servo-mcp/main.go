// Package main provides the servo-mcp binary, an MCP server over stdio that
// exposes the console operations as tools.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/ormasoftchile/servo/pkg/config"
	"github.com/ormasoftchile/servo/pkg/console"
	smcp "github.com/ormasoftchile/servo/pkg/ecosystem/mcp"
)

var version = "dev"

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:          "servo-mcp",
	Short:        "Serve the servo console over the Model Context Protocol (stdio)",
	Version:      version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(envFile); err != nil {
			return err
		}
		cfg, err := config.LoadFile(configPath)
		if err != nil {
			return err
		}
		// stdout carries the protocol.
		logger := cfg.Logger(os.Stderr)
		svc, closeAudit, err := console.Open(cmd.Context(), cfg, nil, logger)
		if err != nil {
			return err
		}
		defer closeAudit()
		return server.ServeStdio(smcp.NewServer(version, svc))
	},
}

func main() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to servo.yaml")
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "Secrets file loaded into the environment")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
