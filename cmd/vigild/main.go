package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vigilproject/vigil/internal/agentlink"
	"github.com/vigilproject/vigil/internal/api"
	"github.com/vigilproject/vigil/internal/config"
	"github.com/vigilproject/vigil/internal/console"
	"github.com/vigilproject/vigil/internal/liveness"
	"github.com/vigilproject/vigil/internal/logging"
	"github.com/vigilproject/vigil/internal/metrics"
	"github.com/vigilproject/vigil/internal/notify"
	"github.com/vigilproject/vigil/internal/procsession"
	"github.com/vigilproject/vigil/internal/reconcile"
	"github.com/vigilproject/vigil/internal/registry"
	"github.com/vigilproject/vigil/internal/store"
	"github.com/vigilproject/vigil/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "vigild",
	Short:   "Vigil - host liveness reconciliation and remote control server",
	Long:    `Vigil tracks host reachability from push heartbeats and pull snapshots, and runs remote process and command sessions against live hosts.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Vigil %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup; re-initialized once config is in.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "vigild",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "vigild",
	})

	log.Info().Str("version", Version).Msg("Starting Vigil server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coreMetrics := metrics.Core()
	startMetricsServer(ctx, cfg.MetricsAddr)

	st := store.New()
	notifier := notify.New(cfg.ReplayCapacity, log.Logger)
	engine := reconcile.New(st, notifier, coreMetrics, log.Logger)

	agents := agentlink.NewServer(engine, cfg.CommandTimeout, coreMetrics, log.Logger)
	processes := procsession.NewManager(st, agents, log.Logger)
	cons := console.New(st, agents, cfg.TranscriptCapacity, cfg.CommandTimeout, coreMetrics, log.Logger)

	var source liveness.SnapshotSource
	if cfg.PullURL != "" {
		source = registry.NewClient(cfg.PullURL, cfg.PullTimeout, log.Logger)
		log.Info().Str("url", cfg.PullURL).Dur("interval", cfg.PullInterval).Msg("Pull reconciliation enabled")
	} else {
		log.Info().Msg("Pull reconciliation disabled, no source-of-record URL configured")
	}

	monitor := liveness.New(liveness.Config{
		StaleAfter:    cfg.StaleAfter,
		SweepInterval: cfg.SweepInterval,
		PullInterval:  cfg.PullInterval,
		PullTimeout:   cfg.PullTimeout,
	}, st, engine, source, coreMetrics, log.Logger)

	hub := websocket.NewHub(func() any { return st.List() }, log.Logger)

	router := api.NewRouter(st, engine, processes, cons, notifier, agents, hub, log.Logger)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router.Handler(agents.HandleWebSocket),
		// No blanket timeouts: the handler set includes long-lived
		// WebSocket upgrades.
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	// Bridge reachability transitions into the dashboard hub.
	g.Go(func() error {
		events, cancel := notifier.Subscribe()
		defer cancel()
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				hub.BroadcastTransition(ev)
			}
		}
	})

	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Msg("API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Server exited with error")
	}
	log.Info().Msg("Vigil server stopped")
}
