package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"nexus/protocol"
	"nexus/store"
	"nexus/streamers"
	"nexus/streamers/cli"
	"nexus/transport"
)

var (
	watchServer    string
	watchUser      string
	watchRecord    bool
	watchVerbose   bool
	watchReconnect time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a user's tasks over the WebSocket",
	Long: `Watch connects to a running server's /ws endpoint and prints every task
event for the user. The connection is re-established with backoff; events
replayed after a reconnect are shown once.`,
	Run: func(cmd *cobra.Command, args []string) {
		if watchUser == "" {
			fmt.Fprintln(os.Stderr, "Error: --user is required")
			os.Exit(1)
		}
		logger := newLogger()

		var handler streamers.TaskHandler = cli.NewTaskHandler(os.Stdout, cli.Options{
			Spinner:  isTerminal(os.Stdout),
			Verbose:  watchVerbose,
			Markdown: true,
		})
		if watchRecord {
			cfg := loadConfig()
			stores, err := store.NewBundle(&cfg.Storage)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
				os.Exit(1)
			}
			defer stores.Close()
			handler = streamers.NewStoringTaskHandler(handler, stores.Tasks, watchUser, logger)
		}

		client, err := transport.NewClient(watchServer, watchUser, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if watchReconnect > 0 {
			client.WithReconnectBase(watchReconnect)
		}
		client.OnConnect(func(attempt int) {
			if attempt == 0 {
				fmt.Printf("%sConnected to %s as %s%s\n", cli.ColorGray, client.URL(), watchUser, cli.ColorReset)
			} else {
				fmt.Printf("%sReconnected (attempt %d)%s\n", cli.ColorGray, attempt, cli.ColorReset)
			}
		})
		client.OnAny(func(ev *protocol.Event) {
			if err := streamers.Dispatch(handler, ev); err != nil {
				logger.Warn("failed to render event", "event", ev.Event, "error", err)
			}
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer stop()
		if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchServer, "server", "http://localhost:3420", "Server URL")
	watchCmd.Flags().StringVar(&watchUser, "user", "", "User id to follow")
	watchCmd.Flags().BoolVar(&watchRecord, "record", false, "Record observed tasks in the configured store")
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "Print plan logs and function calls")
	watchCmd.Flags().DurationVar(&watchReconnect, "reconnect", 0, "Base reconnect delay (default 5s)")
}
