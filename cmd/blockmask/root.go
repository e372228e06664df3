package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/vkngwrapper/blockmask/blockmask"
	"golang.org/x/exp/slog"
)

var (
	// Global flags
	verbose  bool
	jsonOut  bool
	poolSize int
	useMmap  bool
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blockmask",
		Short: "Exercise a fixed-capacity bitmap block allocator",
		Long: `blockmask drives a header-less block allocator that tracks ownership with a
free mask and a final-block mask. It can replay the canonical 8-block walkthrough
and simulate per-frame scratch workloads, printing the pool state as JSON.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Trace every allocation decision to stderr")
	cmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	cmd.PersistentFlags().IntVar(&poolSize, "pool-size", blockmask.DefaultPoolSize, "Pool capacity in bytes")
	cmd.PersistentFlags().BoolVar(&useMmap, "mmap", false, "Back the pool with an anonymous memory mapping")

	cmd.AddCommand(newScenarioCmd())
	cmd.AddCommand(newSimulateCmd())
	return cmd
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newLogger returns a debug-level logger on stderr when verbose is set, and a discarding
// logger otherwise
func newLogger(stderr io.Writer) *slog.Logger {
	if !verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newAllocator(cmd *cobra.Command, size int) (*blockmask.Allocator, error) {
	var flags blockmask.CreateFlags
	if useMmap {
		flags |= blockmask.CreateMmapBacked
	}

	return blockmask.New(newLogger(cmd.ErrOrStderr()), blockmask.CreateOptions{
		Flags:    flags,
		PoolSize: size,
	})
}
