package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/satchelhq/satchel/internal/cache"
	"github.com/satchelhq/satchel/internal/connectivity"
	"github.com/satchelhq/satchel/internal/dashboard"
	"github.com/satchelhq/satchel/internal/engine"
	"github.com/satchelhq/satchel/internal/prefetch"
	"github.com/satchelhq/satchel/internal/queue"
	"github.com/satchelhq/satchel/internal/stats"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync engine until interrupted",
	Long: `Run the full engine: connectivity monitoring, opportunistic queue
drains on reconnect, periodic stats refresh, and (optionally) the
WebSocket dashboard.

Connectivity is read from the online marker file: present means online,
absent means offline. The host shell (or a cron'd probe) owns the marker.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logOut := io.Writer(os.Stderr)
		if cfg.LogPath != "" {
			logOut = &lumberjack.Logger{
				Filename:   cfg.LogPath,
				MaxSize:    20, // megabytes
				MaxBackups: 5,
				MaxAge:     14, // days
			}
		}
		mklog := func(prefix string) *log.Logger {
			return log.New(logOut, prefix, log.LstdFlags)
		}

		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		gw, err := newGateway(mklog("[remote] "))
		if err != nil {
			return err
		}

		q := queue.New(db, cfg.RetryCeiling)
		cm := cache.New(db)

		monitor := connectivity.NewMonitor(cfg.TickInterval, mklog("[connectivity] "))
		marker, err := connectivity.NewFileSignal(cfg.OnlineMarkerPath, monitor, mklog("[connectivity] "))
		if err != nil {
			return err
		}

		eng, err := engine.New(q, cm, gw, monitor, &engine.Config{
			RetryCeiling: cfg.RetryCeiling,
			BackoffBase:  cfg.BackoffBase,
			BackoffMax:   cfg.BackoffMax,
			Retention:    cfg.Retention,
			Logger:       mklog("[engine] "),
		})
		if err != nil {
			return err
		}

		sched, err := prefetch.New(cm, gw, monitor, cfg.PrefetchTTL, nil, mklog("[prefetch] "))
		if err != nil {
			return err
		}

		collector := stats.NewCollector(q, db, mklog("[stats] "))

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		// Optional dashboard surface.
		var handler *dashboard.Handler
		if cfg.DashboardAddr != "" {
			server := dashboard.NewServer(cfg.DashboardAddr, mklog("[dashboard] "))
			if err := server.Start(); err != nil {
				return err
			}
			defer func() {
				if err := server.Stop(); err != nil {
					mklog("[dashboard] ").Printf("Shutdown error: %v", err)
				}
			}()
			handler = dashboard.NewHandler(server, mklog("[dashboard] "))

			// Push the drain report plus a fresh stats snapshot, so the
			// dashboard reflects the new queue depth immediately.
			eng.OnReport(func(rep engine.Report) {
				handler.OnDrainComplete(rep)
				if s, err := collector.Snapshot(ctx); err == nil {
					handler.OnStats(s)
				}
			})
			monitor.Subscribe(handler.OnConnectivity)
			go collector.Run(ctx, cfg.StatsInterval, handler.OnStats)
		}

		// Refresh snapshots for prefetch-enabled tenants on reconnect.
		tenants, _ := cmd.Flags().GetStringSlice("tenant")
		role, _ := cmd.Flags().GetString("role")
		monitor.Subscribe(func(online bool) {
			if !online {
				return
			}
			for _, tenant := range tenants {
				go func(tenant string) {
					if _, err := sched.MaybePrefetch(ctx, tenant, prefetch.Role(role)); err != nil {
						mklog("[prefetch] ").Printf("Prefetch for %s failed: %v", tenant, err)
					}
				}(tenant)
			}
		})

		eng.Start(ctx)
		defer eng.Close()

		monitor.Start()
		defer monitor.Stop()

		if err := marker.Start(); err != nil {
			return err
		}
		defer func() {
			if err := marker.Stop(); err != nil {
				mklog("[connectivity] ").Printf("Stop error: %v", err)
			}
		}()

		fmt.Println("Satchel daemon running. Press Ctrl+C to stop...")

		<-waitForInterrupt(ctx)
		fmt.Println("\nShutting down...")
		return nil
	},
}

// waitForInterrupt returns a channel that closes on SIGINT/SIGTERM or
// when ctx is cancelled.
func waitForInterrupt(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer stop()
		<-sigCtx.Done()
		close(done)
	}()
	return done
}

func init() {
	daemonCmd.Flags().StringSlice("tenant", nil, "tenant scopes to prefetch on reconnect")
	daemonCmd.Flags().String("role", string(prefetch.RoleClassOwner), "role profile for prefetch")

	rootCmd.AddCommand(daemonCmd)
}
