package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dmorch/pkg/authz"
	"dmorch/pkg/config"
	"dmorch/pkg/daemon"
	"dmorch/pkg/lock"
	"dmorch/pkg/log"
	"dmorch/pkg/planner"

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
	Use:   "lockd",
	Short: "Lock daemon - admits requests, plans archives, write-protects sources",
	Long: `lockd advances requests through the start of each track: it checks
roster membership and quota, walks the source tree, plans the archive
decomposition, and marks the source read-only for the duration of the
transfer.`,
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"lockd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.Flags().String("config", config.DefaultPath, "Configuration file")
	rootCmd.Flags().Bool("daemon", true, "Loop forever (false runs a single pass)")
	rootCmd.Flags().String("backend", "", "Limit to one backend id")
}

func run(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	loop, _ := cmd.Flags().GetBool("daemon")
	backendID, _ := cmd.Flags().GetString("backend")

	rt, err := daemon.NewRuntime(cfgPath, "lock", backendID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(daemon.ExitSetupFailure)
	}
	defer rt.Close()

	if err := rt.AcquirePidfile("lockd"); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			os.Exit(daemon.ExitAlreadyRunning)
		}
		os.Exit(daemon.ExitSetupFailure)
	}

	d := lock.NewDaemon(rt.Mgr, planner.New(rt.Mgr), authz.New(rt.Store),
		rt.Backends, rt.Credentials, rt.Cfg.RunEvery("lock"))

	if !loop {
		return d.Cycle()
	}

	d.Start()
	sig := daemon.WaitForShutdown()
	logger := log.WithComponent("lock")
	logger.Info().Str("signal", sig.String()).Msg("shutting down")
	d.Stop()
	return nil
}
