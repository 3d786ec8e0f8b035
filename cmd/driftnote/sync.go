package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/driftnote/driftnote/internal/syncer"
	"github.com/driftnote/driftnote/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "One-shot sync with the cloud backend",
	Long: `Reconcile the local store against the cloud backend and exit.

This performs one full cycle:
  1. Reconciles every local document against its remote counterpart
  2. Downloads documents created on other devices
  3. Uploads pending local changes, merging conflicts`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if !cfg.SyncEnabled() {
			fmt.Fprintf(os.Stderr, "Error: no backend configured (set --endpoint and --token)\n")
			os.Exit(1)
		}

		sess, err := openSession(cfg, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer sess.close()

		ctx := context.Background()

		fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("→"), cfg.Endpoint)
		if err := sess.orch.Initialize(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		sess.orch.Drain(ctx)

		docs := sess.store.All()
		depth := sess.orch.QueueDepth()

		switch {
		case sess.orch.Status() == syncer.StatusOffline:
			fmt.Printf("%s Backend unreachable, %d documents kept locally\n", ui.RenderWarn("!"), len(docs))
			os.Exit(1)
		case depth > 0:
			fmt.Printf("%s %d documents synced, %d still pending\n", ui.RenderWarn("!"), len(docs)-depth, depth)
		default:
			fmt.Printf("%s %d documents in sync\n", ui.RenderPass("✓"), len(docs))
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
