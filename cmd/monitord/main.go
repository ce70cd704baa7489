package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dmorch/pkg/config"
	"dmorch/pkg/daemon"
	"dmorch/pkg/health"
	"dmorch/pkg/log"
	"dmorch/pkg/monitor"

	_ "dmorch/pkg/backend/ftp"
	_ "dmorch/pkg/backend/objectstore"
	_ "dmorch/pkg/backend/tape"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(daemon.ExitSetupFailure)
	}
}

var rootCmd = &cobra.Command{
	Use:   "monitord",
	Short: "Monitor daemon - polls backends for completed asynchronous batches",
	Long: `monitord asks each backend which uploads, retrievals and deletions
have completed since the last tick and advances the corresponding
in-flight requests, and flags requests stuck in a locked state.`,
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"monitord version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.Flags().String("config", config.DefaultPath, "Configuration file")
	rootCmd.Flags().Bool("daemon", true, "Loop forever (false runs a single pass)")
	rootCmd.Flags().String("backend", "", "Limit to one backend id")
	rootCmd.Flags().Duration("stuck-threshold", monitor.DefaultStuckThreshold,
		"How long a locked request may sit before the watchdog flags it")
}

func run(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	loop, _ := cmd.Flags().GetBool("daemon")
	backendID, _ := cmd.Flags().GetString("backend")
	threshold, _ := cmd.Flags().GetDuration("stuck-threshold")

	rt, err := daemon.NewRuntime(cfgPath, "monitor", backendID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(daemon.ExitSetupFailure)
	}
	defer rt.Close()

	if err := rt.AcquirePidfile("monitord"); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			os.Exit(daemon.ExitAlreadyRunning)
		}
		os.Exit(daemon.ExitSetupFailure)
	}

	if threshold <= 0 {
		threshold = monitor.DefaultStuckThreshold
	}
	m := monitor.New(rt.Mgr, rt.Backends, rt.Cfg.RunEvery("monitor"), threshold).
		WithProbes(monitor.BuildProbes(rt.Cfg), health.DefaultConfig())

	if !loop {
		return m.Sweep()
	}

	m.Start()
	sig := daemon.WaitForShutdown()
	logger := log.WithComponent("monitor")
	logger.Info().Str("signal", sig.String()).Msg("shutting down")
	m.Stop()
	return nil
}
