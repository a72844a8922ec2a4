package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"nexus/orchestrator"
	"nexus/protocol"
	"nexus/streamers"
	"nexus/streamers/cli"
)

var (
	runUser    string
	runMode    string
	runMap     string
	runVerbose bool
)

var runCmd = &cobra.Command{
	Use:   "run [yaml-file|prompt]",
	Short: "Run one task locally and print its progress",
	Long: `Run executes a single task in-process. The argument is either a path to
a YAML script, a stored map reference such as "/yaml <id>", a URL, or a
natural-language prompt.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		command := ""
		if len(args) == 1 {
			command = args[0]
		}
		if command == "" && runMap == "" {
			fmt.Fprintln(os.Stderr, "Error: a YAML file, prompt or --map is required")
			os.Exit(1)
		}
		if data, err := os.ReadFile(command); err == nil {
			command = "---\n" + string(data)
		}

		cfg := loadConfig()
		logger := newLogger()
		a, err := newApp(cfg, appOptions{}, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer stop()

		sub, err := a.orchestrator.Submit(ctx, orchestrator.SubmitRequest{
			UserID:    runUser,
			Command:   command,
			YamlMapID: runMap,
			Mode:      runMode,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		handler := cli.NewTaskHandler(os.Stdout, cli.Options{
			Spinner:  isTerminal(os.Stdout),
			Verbose:  runVerbose,
			Markdown: true,
		})
		failed := false
		go func() {
			<-ctx.Done()
			a.orchestrator.Cancel(sub.TaskID, "Interrupted")
		}()
		for {
			ev, err := sub.Stream.Next(context.Background())
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if ev.Event == protocol.EventTaskError {
				failed = true
			}
			if err := streamers.Dispatch(handler, ev); err != nil {
				logger.Warn("failed to render event", "event", ev.Event, "error", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), serveGrace)
		defer cancel()
		a.orchestrator.Shutdown(shutdownCtx)
		if failed {
			os.Exit(1)
		}
	},
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0 && !strings.EqualFold(os.Getenv("TERM"), "dumb")
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runUser, "user", "cli", "User id the task runs as")
	runCmd.Flags().StringVar(&runMode, "mode", "", "Planning mode for prompts (step or action)")
	runCmd.Flags().StringVar(&runMap, "map", "", "Run a stored YAML map by id")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Print plan logs and function calls")
}
