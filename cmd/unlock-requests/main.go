package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"dmorch/pkg/config"
	"dmorch/pkg/daemon"
	"dmorch/pkg/storage"
	"dmorch/pkg/types"
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
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "unlock-requests",
	Short: "Release stuck request locks for one stage",
	Long: `unlock-requests lists every locked request at the given stage and
releases the locks, returning the requests to the pool of claimable
work. A crashed daemon leaves its claims locked; this is the operator
tool that recovers them.

With --put-stuck, only requests whose external batch id is already
assigned are released; a putting request without one is re-runnable
from scratch and usually better retried whole.

More than one matching request requires --force, after reviewing the
printed table.`,
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"unlock-requests version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.Flags().String("config", config.DefaultPath, "Configuration file")
	rootCmd.Flags().String("stage", "", "Stage name, e.g. PUTTING (required)")
	rootCmd.Flags().Bool("put-stuck", false, "Only release requests whose external id is assigned")
	rootCmd.Flags().Bool("force", false, "Release even when more than one request matches")
	_ = rootCmd.MarkFlagRequired("stage")
}

func run(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	stageName, _ := cmd.Flags().GetString("stage")
	putStuck, _ := cmd.Flags().GetBool("put-stuck")
	force, _ := cmd.Flags().GetBool("force")

	stage, ok := types.StageByName(stageName)
	if !ok {
		return fmt.Errorf("unknown stage %q", stageName)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = daemon.DefaultDataDir
	}
	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	all, err := store.ListRequests()
	if err != nil {
		return fmt.Errorf("list requests: %w", err)
	}

	var matched []*types.MigrationRequest
	for _, req := range all {
		if !req.Locked || req.Stage != stage {
			continue
		}
		if putStuck && req.TransferID == "" {
			continue
		}
		matched = append(matched, req)
	}

	if len(matched) == 0 {
		fmt.Println("No locked requests match.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REQUEST\tTYPE\tUSER\tSTAGE\tEXTERNAL ID\tLOCKED SINCE")
	for _, req := range matched {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			req.ID, req.Type, req.User, req.Stage, req.TransferID,
			req.LastTransitionAt.Format(time.RFC3339))
	}
	tw.Flush()

	if len(matched) > 1 && !force {
		return fmt.Errorf("%d requests would be released; rerun with --force to confirm", len(matched))
	}

	for _, req := range matched {
		if err := store.ReleaseRequest(req.ID); err != nil {
			return fmt.Errorf("release %s: %w", req.ID, err)
		}
		fmt.Printf("released %s\n", req.ID)
	}
	return nil
}
