// Command sevactl validates and runs seva video batches from local files
// without the API server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/yajmaan/sevaflow/internal/logging"
	"go.uber.org/zap"
)

var (
	logger   *zap.Logger
	logLevel string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sevactl",
		Short:         "Validate and run seva video notification batches",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logger != nil {
				return nil
			}
			l, err := logging.New(logLevel, "development")
			if err != nil {
				return err
			}
			logger = l
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(newValidateCmd(), newRunCmd(), newTokenCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
