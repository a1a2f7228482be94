package main

import (
	"github.com/spf13/cobra"
)

// TODO: Inject version at build time.
const version = "0.1.0"

type daemonFlags struct {
	configPath  string
	socketDir   string
	logFile     string
	metricsAddr string
	debug       bool
}

func rootCmd() *cobra.Command {
	flags := &daemonFlags{}

	c := &cobra.Command{
		Use:          "composed",
		Short:        "Background daemon supervising shell jobs for composectl",
		Example:      "composed --debug",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(flags)
		},
	}

	c.Flags().StringVar(&flags.configPath, "config", "", "Path to YAML configuration file")
	c.Flags().StringVar(&flags.socketDir, "socket-dir", "", "Directory to bind the IPC socket in")
	c.Flags().StringVar(&flags.logFile, "log-file", "", "Daemon log file (rotated)")
	c.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	c.Flags().BoolVar(&flags.debug, "debug", false, "Enable debug logs")

	return c
}
