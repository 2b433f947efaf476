package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcourtman/pulse-entitlements/internal/logging"
	"github.com/rcourtman/pulse-entitlements/internal/server"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const secretEnv = "ENTITLEMENTS_SIGNING_SECRET"

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:           "entitlements",
		Short:         "Signed entitlement tokens for hosted and self-hosted plans",
		Long:          `Issue, verify and derive HMAC-signed entitlement tokens, or run the entitlement service.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// CLI diagnostics go to stderr so stdout stays machine readable.
			logging.Init(logging.Config{
				Format:    "console",
				Level:     logLevel,
				Component: "entitlements-cli",
			})
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level for CLI diagnostics")

	root.AddCommand(
		newServeCmd(),
		newIssueCmd(),
		newVerifyCmd(),
		newDeriveCmd(),
		newSecretCmd(),
		newVersionCmd(),
	)
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the entitlement HTTP service",
		Long:  `Run the entitlement service. Configuration is read from ENTITLEMENTS_* environment variables and an optional .env file.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return server.Run(cmd.Context(), Version)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "entitlements %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
