// Command driftnote is an offline-first note synchronizer. Notes live
// in a local SQLite database and sync to a cloud backend when one is
// configured; without one, driftnote is a purely local store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/driftnote/driftnote/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "driftnote",
	Short: "Offline-first note sync",
	Long: `driftnote keeps a directory of notes synchronized with a cloud backend.

All edits land in a local database first and sync opportunistically:
working offline is the normal case, not an error. Conflicting edits from
other devices are merged without ever discarding a line of text.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("endpoint", "", "sync backend base URL")
	flags.String("token", "", "bearer token for the sync backend")
	flags.String("user-id", "", "user id for the realtime subscription")
	flags.String("data-dir", "", "local data directory (default ~/.driftnote)")
	flags.String("notes-dir", "", "notes directory (default ~/notes)")
}

// loadConfig resolves configuration with the root command's flags bound
// on top of environment and config file settings.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()

	bindings := map[string]string{
		"endpoint":  "endpoint",
		"token":     "token",
		"user_id":   "user-id",
		"data_dir":  "data-dir",
		"notes_dir": "notes-dir",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}

	return config.Load(v)
}
