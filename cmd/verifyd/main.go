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
	"dmorch/pkg/verify"

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
	Use:   "verifyd",
	Short: "Verify/Tidy daemon - checks integrity and closes out requests",
	Long: `verifyd downloads uploaded batches back into a scratch area, compares
sizes and digests against the planned records, restores permissions on
retrievals, and runs the tidy steps that complete every track.`,
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"verifyd version %s\nCommit: %s\nBuilt: %s\n",
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

	rt, err := daemon.NewRuntime(cfgPath, "verify", backendID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(daemon.ExitSetupFailure)
	}
	defer rt.Close()

	if err := rt.AcquirePidfile("verifyd"); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			os.Exit(daemon.ExitAlreadyRunning)
		}
		os.Exit(daemon.ExitSetupFailure)
	}

	verifier := verify.New(rt.Mgr, rt.Staging, rt.Broker)
	driver := transfer.New(rt.Mgr, rt.Pool, rt.Staging, rt.Cfg.Process("verify").Threads)
	d := verify.NewDaemon(rt.Mgr, verifier, driver, rt.Staging, rt.Backends, rt.Credentials,
		rt.Cfg.RunEvery("verify"))

	if !loop {
		return d.Cycle()
	}

	d.Start()
	sig := daemon.WaitForShutdown()
	logger := log.WithComponent("verify")
	logger.Info().Str("signal", sig.String()).Msg("shutting down")
	d.Stop()
	return nil
}
