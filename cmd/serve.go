package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"nexus/report"
	"nexus/server"
	"nexus/transport"
)

var (
	serveAddr      string
	serveProbe     bool
	serveDebugLogs bool
	serveGrace     time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP, SSE and WebSocket server",
	Long: `Start the task server. Prompts submitted to /api/nli run in a headless
browser; progress streams back over SSE and the /ws WebSocket.

SIGINT, SIGTERM and SIGHUP stop accepting requests, drain open responses
and cancel running tasks.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}
		logger := newLogger()

		a, err := newApp(cfg, appOptions{probeEngines: serveProbe, enableLogging: serveDebugLogs}, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		cancelTasks := func() {
			ctx, cancel := context.WithTimeout(context.Background(), serveGrace)
			defer cancel()
			if err := a.orchestrator.Shutdown(ctx); err != nil {
				logger.Warn("tasks did not stop in time", "error", err)
			}
		}

		hub := transport.NewHub(a.bus, logger)
		srv := server.New(server.Deps{
			Orchestrator: a.orchestrator,
			Stores:       a.stores,
			Engines:      a.engines,
			Hub:          hub,
			Reports:      report.NewResolver(&cfg.Artifacts, logger),
			Cache:        report.NewCache(cfg.Artifacts.CacheDuration()),
		}, server.Options{
			Addr:       cfg.Server.Addr,
			Origin:     cfg.Server.Origin,
			RunRoot:    cfg.Artifacts.RunRoot,
			AccessLog:  logger.IsDebug(),
			OnShutdown: cancelTasks,
		}, logger)

		// Later signals are absorbed until the process exits.
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer stop()

		fmt.Printf("Serving on %s (origin %s)\n", cfg.Server.Addr, cfg.Server.Origin)
		if err := srv.Run(ctx, serveGrace); err != nil {
			logger.Error("server stopped", "error", err)
		}

		fmt.Println("\nShutting down...")
		cancelTasks()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().BoolVar(&serveProbe, "probe-engines", false, "Probe the selected engine before planning")
	serveCmd.Flags().BoolVar(&serveDebugLogs, "debug-logs", false, "Keep planner conversations in each run directory")
	serveCmd.Flags().DurationVar(&serveGrace, "grace", 10*time.Second, "Shutdown grace period")
}
