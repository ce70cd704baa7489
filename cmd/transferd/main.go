package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dmorch/pkg/config"
	"dmorch/pkg/daemon"
	"dmorch/pkg/log"
	"dmorch/pkg/transfer"

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
	Use:   "transferd",
	Short: "Transfer daemon - streams batches to and from storage backends",
	Long: `transferd opens backend connections, partitions each request's file
list across a pool of worker connections, and streams uploads, downloads
and deletions for the pending stages of every track.`,
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"transferd version %s\nCommit: %s\nBuilt: %s\n",
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

	rt, err := daemon.NewRuntime(cfgPath, "transfer", backendID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(daemon.ExitSetupFailure)
	}
	defer rt.Close()

	if err := rt.AcquirePidfile("transferd"); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			os.Exit(daemon.ExitAlreadyRunning)
		}
		os.Exit(daemon.ExitSetupFailure)
	}

	driver := transfer.New(rt.Mgr, rt.Pool, rt.Staging, rt.Cfg.Process("transfer").Threads)
	d := transfer.NewDaemon(rt.Mgr, driver, rt.Staging, rt.Backends, rt.Credentials,
		rt.Cfg.RunEvery("transfer"))

	if !loop {
		return d.Cycle()
	}

	d.Start()
	sig := daemon.WaitForShutdown()
	logger := log.WithComponent("transfer")
	logger.Info().Str("signal", sig.String()).Msg("shutting down")
	d.Stop()
	return nil
}
