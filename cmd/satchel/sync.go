package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/satchelhq/satchel/internal/cache"
	"github.com/satchelhq/satchel/internal/connectivity"
	"github.com/satchelhq/satchel/internal/engine"
	"github.com/satchelhq/satchel/internal/prefetch"
	"github.com/satchelhq/satchel/internal/queue"
	"github.com/satchelhq/satchel/internal/remote"
	"github.com/satchelhq/satchel/internal/stats"
	"github.com/satchelhq/satchel/internal/store"
)

// openStore opens the database and initializes the schema.
func openStore() (*store.DB, error) {
	db, err := store.Open(cfg.DBPath, cfg.QuotaBytes)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// newGateway builds the HTTP gateway from configuration. The bearer token
// comes from SATCHEL_API_TOKEN; deployments without auth leave it unset.
func newGateway(logger *log.Logger) (remote.Gateway, error) {
	if cfg.RemoteBaseURL == "" {
		return nil, fmt.Errorf("remote_base_url is not configured")
	}

	var token remote.TokenFunc
	if t := os.Getenv("SATCHEL_API_TOKEN"); t != "" {
		token = func(ctx context.Context) (string, error) { return t, nil }
	}

	return remote.NewClient(cfg.RemoteBaseURL, token, logger)
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <tenant>",
	Short: "Queue a local mutation, draining opportunistically when online",
	Long: `Persist a mutation in the durable queue. The write succeeds with or
without connectivity; when the online marker is present and a remote is
configured, a drain is triggered immediately after the enqueue.

The payload is read from --payload, or from stdin when --payload is "-".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")
		pri, _ := cmd.Flags().GetString("priority")
		payloadArg, _ := cmd.Flags().GetString("payload")

		payload := []byte(payloadArg)
		if payloadArg == "-" {
			var err error
			payload, err = io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("failed to read payload from stdin: %w", err)
			}
		}

		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		q := queue.New(db, cfg.RetryCeiling)
		id, err := q.Enqueue(cmd.Context(), args[0], queue.MutationType(typ), payload, queue.Priority(pri))
		if err != nil {
			return err
		}
		fmt.Printf("Enqueued %s\n", id)

		if cfg.RemoteBaseURL == "" {
			return nil
		}

		// Seed connectivity from the marker so the enqueue trigger only
		// drains while actually online.
		monitor := connectivity.NewMonitor(0, log.New(io.Discard, "", 0))
		if _, err := os.Stat(cfg.OnlineMarkerPath); err == nil {
			monitor.SetOnline(true)
		}

		gw, err := newGateway(nil)
		if err != nil {
			return err
		}
		eng, err := engine.New(q, cache.New(db), gw, monitor, &engine.Config{
			RetryCeiling: cfg.RetryCeiling,
			BackoffBase:  cfg.BackoffBase,
			BackoffMax:   cfg.BackoffMax,
			Retention:    cfg.Retention,
		})
		if err != nil {
			return err
		}

		done := make(chan engine.Report, 1)
		eng.OnReport(func(rep engine.Report) { done <- rep })
		eng.NotifyEnqueued(cmd.Context())

		if !monitor.Online() {
			fmt.Println("Offline; the item will sync on the next drain")
			return nil
		}

		select {
		case rep := <-done:
			fmt.Printf("Drain complete: attempted=%d succeeded=%d failed=%d\n",
				rep.Attempted, rep.Succeeded, rep.Failed)
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		}
		return nil
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Run one drain cycle against the institution API",
	Long: `Deliver all currently pending mutations to the remote system.

Items are processed in priority-then-insertion order with exponential
backoff on previously failed items. One item's failure never aborts the
rest of the batch. After the batch, synced items older than the retention
window are swept.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		gw, err := newGateway(nil)
		if err != nil {
			return err
		}

		q := queue.New(db, cfg.RetryCeiling)
		eng, err := engine.New(q, cache.New(db), gw, nil, &engine.Config{
			RetryCeiling: cfg.RetryCeiling,
			BackoffBase:  cfg.BackoffBase,
			BackoffMax:   cfg.BackoffMax,
			Retention:    cfg.Retention,
		})
		if err != nil {
			return err
		}

		rep, err := eng.Drain(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Drain complete: attempted=%d succeeded=%d failed=%d skipped=%d purged=%d\n",
			rep.Attempted, rep.Succeeded, rep.Failed, rep.Skipped, rep.Purged)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth and storage utilization",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		collector := stats.NewCollector(queue.New(db, cfg.RetryCeiling), db, nil)
		s, err := collector.Snapshot(cmd.Context())
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var prefetchCmd = &cobra.Command{
	Use:   "prefetch <tenant>",
	Short: "Refresh cached snapshots for a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")

		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		gw, err := newGateway(nil)
		if err != nil {
			return err
		}

		var profiles map[prefetch.Role][]cache.EntityType
		if cfg.ProfilesPath != "" {
			profiles, err = prefetch.LoadProfiles(cfg.ProfilesPath)
			if err != nil {
				return err
			}
		}

		sched, err := prefetch.New(cache.New(db), gw, nil, cfg.PrefetchTTL, profiles, nil)
		if err != nil {
			return err
		}

		rep, err := sched.MaybePrefetch(cmd.Context(), args[0], prefetch.Role(role))
		if err != nil {
			return err
		}

		fmt.Printf("Prefetch complete: fetched=%d fresh=%d failed=%d\n", rep.Fetched, rep.Fresh, rep.Failed)
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Sweep synced queue items past the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		q := queue.New(db, cfg.RetryCeiling)
		n, err := q.PurgeSyncedOlderThan(cmd.Context(), cfg.Retention)
		if err != nil {
			return err
		}

		fmt.Printf("Purged %d synced items older than %s\n", n, cfg.Retention)
		return nil
	},
}

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List items excluded from automatic retries",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		q := queue.New(db, cfg.RetryCeiling)
		items, err := q.ListFailed(cmd.Context())
		if err != nil {
			return err
		}

		if len(items) == 0 {
			fmt.Println("No failed items")
			return nil
		}
		for _, it := range items {
			fmt.Printf("%s  %-14s retries=%d  created=%s\n  last error: %s\n",
				it.ID, it.Type, it.RetryCount, it.CreatedAt.Format(time.RFC3339), it.LastError)
		}
		return nil
	},
}

func init() {
	enqueueCmd.Flags().String("type", "", "mutation type (attendance, homework, message, ...)")
	enqueueCmd.Flags().String("priority", string(queue.PriorityMedium), "priority class (high, medium, low)")
	enqueueCmd.Flags().String("payload", "-", "JSON payload, or - to read stdin")
	prefetchCmd.Flags().String("role", string(prefetch.RoleClassOwner), "role profile selecting entity types")

	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(prefetchCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(failedCmd)
}
