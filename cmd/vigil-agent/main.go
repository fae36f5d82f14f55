package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vigilproject/vigil/internal/agent"
	"github.com/vigilproject/vigil/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var (
	serverURL string
	hostID    string
	interval  time.Duration
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:     "vigil-agent",
	Short:   "Vigil agent - reports host liveness and serves remote commands",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Vigil agent %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
	},
}

func init() {
	rootCmd.Flags().StringVar(&serverURL, "server", "", "Vigil server URL (e.g. http://vigil.local:8410)")
	rootCmd.Flags().StringVar(&hostID, "host-id", "", "host identifier (defaults to the hostname)")
	rootCmd.Flags().DurationVar(&interval, "interval", 15*time.Second, "heartbeat interval")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.MarkFlagRequired("server")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runAgent() error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     logLevel,
		Component: "vigil-agent",
	})

	if interval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", interval)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := agent.New(agent.Config{
		ServerURL: serverURL,
		HostID:    hostID,
		Interval:  interval,
		Version:   Version,
	}, log.Logger)

	log.Info().Str("server", serverURL).Dur("interval", interval).Msg("Starting Vigil agent")
	if err := a.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("Vigil agent stopped")
	return nil
}
