// Command satchel runs the offline-first sync engine for the Satchel
// school client: a durable mutation queue, tenant-scoped entity cache,
// and opportunistic drain against the institution API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/satchelhq/satchel/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "satchel",
	Short: "Offline-first sync engine for the Satchel school client",
	Long: `Satchel keeps a school client working while disconnected: local
writes (attendance, lessons, messages, grades) land in a durable queue
and cached snapshots serve reads. Once connectivity returns, the sync
engine drains the queue against the institution API with backoff and
idempotent delivery.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: env + built-in defaults)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
