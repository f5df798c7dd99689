// Package cmd provides the sslinspect command line.
package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/gustycube/sslinspect/internal/logging"
)

// ErrInspectionFailed is returned by commands whose inspections all
// produced failure results. The results themselves are already printed.
var ErrInspectionFailed = errors.New("inspection failed")

var logLevel string

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sslinspect",
		Short: "Capture and inspect TLS certificates",
		Long: `sslinspect connects to TLS endpoints with verification disabled, captures
the certificate each one presents and reports it as a structured record:
validity window, certificate policies and subject alternative names.

It never makes trust decisions.

  sslinspect probe example.com
  sslinspect probe mail.example.com 993 -o table
  sslinspect parse cert.pem
  sslinspect run -c sslinspect.yaml`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(newProbeCmd(), newParseCmd(), newRunCmd(), newSeedCmd(), newVersionCmd())
	return root
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func newLogger() *logging.Logger {
	return logging.New(logLevel)
}
