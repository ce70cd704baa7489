package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dmorch/pkg/config"
	"dmorch/pkg/daemon"
	"dmorch/pkg/log"
	"dmorch/pkg/pack"

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
	Use:   "packd",
	Short: "Pack daemon - tars archives for pack-required backends",
	Long: `packd produces per-archive tar containers before upload to backends
that require packed objects, and unpacks retrieved tars into the
request's target path.`,
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"packd version %s\nCommit: %s\nBuilt: %s\n",
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

	rt, err := daemon.NewRuntime(cfgPath, "pack", backendID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(daemon.ExitSetupFailure)
	}
	defer rt.Close()

	if err := rt.AcquirePidfile("packd"); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			os.Exit(daemon.ExitAlreadyRunning)
		}
		os.Exit(daemon.ExitSetupFailure)
	}

	packer := pack.New(rt.Mgr, rt.Staging, rt.Cfg.Process("pack").Threads)
	d := pack.NewDaemon(rt.Mgr, packer, rt.Staging, rt.Backends, rt.Cfg.RunEvery("pack"))

	if !loop {
		return d.Cycle()
	}

	d.Start()
	sig := daemon.WaitForShutdown()
	logger := log.WithComponent("pack")
	logger.Info().Str("signal", sig.String()).Msg("shutting down")
	d.Stop()
	return nil
}
