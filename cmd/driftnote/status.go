package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/driftnote/driftnote/internal/device"
	"github.com/driftnote/driftnote/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local store and sync state",
	Long: `Show the local document count, pending sync queue, device identity,
and the learned server clock offset. Reads only local state; no network
requests are made.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		sess, err := openSession(cfg, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer sess.close()

		ctx := context.Background()

		docs, err := sess.store.Load(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		queue, err := sess.store.LoadQueue(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		synced := 0
		for _, doc := range docs {
			if doc.RemoteID != "" {
				synced++
			}
		}

		fmt.Println(ui.RenderTitle("driftnote status"))
		fmt.Printf("  Data dir:   %s\n", cfg.DataDir)
		fmt.Printf("  Documents:  %d (%d linked to cloud)\n", len(docs), synced)

		if len(queue) > 0 {
			fmt.Printf("  Queue:      %s\n", ui.RenderWarn(fmt.Sprintf("%d pending", len(queue))))
			for _, item := range queue {
				fmt.Printf("    %s %s (attempt %d)\n", ui.RenderDim(string(item.Action)), item.DocumentID, item.RetryCount)
			}
		} else {
			fmt.Printf("  Queue:      %s\n", ui.RenderPass("empty"))
		}

		if cfg.SyncEnabled() {
			fmt.Printf("  Backend:    %s\n", ui.RenderAccent(cfg.Endpoint))
		} else {
			fmt.Printf("  Backend:    %s\n", ui.RenderDim("not configured"))
		}

		deviceID, err := device.Load(cfg.DataDir)
		if err == nil {
			fmt.Printf("  Device:     %s\n", deviceID)
		}

		if offset, known, err := sess.store.LoadClockOffset(); err == nil && known {
			fmt.Printf("  Clock skew: %v\n", offset)
		} else {
			fmt.Printf("  Clock skew: %s\n", ui.RenderDim("not yet learned"))
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
