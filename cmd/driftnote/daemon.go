package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/driftnote/driftnote/internal/ui"
	"github.com/driftnote/driftnote/internal/watcher"
)

var daemonLogFile string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon",
	Long: `Run driftnote as a long-lived daemon.

The daemon:
  1. Syncs the local store with the cloud backend
  2. Watches the notes directory and syncs external edits
  3. Applies realtime changes pushed from other devices
  4. Shuts down cleanly on SIGINT/SIGTERM`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if daemonLogFile != "" {
			cfg.LogFile = daemonLogFile
		}

		logger := log.New(os.Stderr, "[driftnote] ", log.LstdFlags)
		if cfg.LogFile != "" {
			logger.SetOutput(&lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     14, // days
			})
		}

		sess, err := openSession(cfg, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer sess.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := sess.orch.Initialize(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if err := os.MkdirAll(cfg.NotesDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating notes directory: %v\n", err)
			os.Exit(1)
		}

		watcherCfg := watcher.DefaultConfig()
		watcherCfg.Logger = logger
		w, err := watcher.New(cfg.NotesDir, sess.orch, watcherCfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Watching %s\n", ui.RenderAccent("●"), cfg.NotesDir)
		logger.Printf("Daemon started (data dir %s)", cfg.DataDir)

		// Blocks until the signal context is cancelled.
		if err := w.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		logger.Println("Daemon stopped")
		fmt.Printf("%s Stopped\n", ui.RenderPass("✓"))
	},
}

func init() {
	daemonCmd.Flags().StringVar(&daemonLogFile, "log-file", "", "write logs to a rotated file instead of stderr")
	rootCmd.AddCommand(daemonCmd)
}
