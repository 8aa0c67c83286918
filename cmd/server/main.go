package main

import (
	"fmt"
	"os"

	"frame-relay/internal/platform/config"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		envFile string
		port    string
	)

	root := &cobra.Command{
		Use:          "frame-relay",
		Short:        "Live frame relay with buffered recording and export",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env is fine; the environment and defaults apply.
			_ = config.Load(envFile)

			cfg := config.FromEnv()
			if port != "" {
				cfg.Port = port
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVar(&envFile, "env-file", ".env", "path to a .env file to load")
	root.Flags().StringVar(&port, "port", "", "HTTP listen port (overrides PORT)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return root
}
