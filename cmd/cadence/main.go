package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "0.0.0"

// configPath is the --config flag shared by every command.
var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cadence",
		Short: "Cadence drives time-windowed data pipelines",
		Long: `Cadence drives time-windowed data pipelines.

Each tick picks the next window after the last successful run, records any
windows that were skipped, and runs the configured phases against it.
`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (TOML or YAML)")

	root.AddCommand(runCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(windowCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(janitorCmd())
	root.AddCommand(validateCmd())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
