package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nous-labs/questbuddy/internal/channel/console"
	"github.com/nous-labs/questbuddy/internal/daemon"
	"github.com/nous-labs/questbuddy/internal/mcpserver"
	"github.com/nous-labs/questbuddy/internal/quest"
	"github.com/nous-labs/questbuddy/internal/reminder"
	"github.com/nous-labs/questbuddy/internal/store"
)

var (
	version = "dev"
	commit  = "unknown"
)

type options struct {
	configPath string
	dbPath     string
	logFormat  string
	cfg        *daemon.Config
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "questbuddy",
		Short:         "Habit tracking chat companion that turns habits into quests",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return opts.load(cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("QUESTBUDDY_CONFIG"), "Path to config file (.json, .yaml)")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "SQLite database path (overrides config)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "Log format: text or json")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newChatCmd(opts))
	root.AddCommand(newMCPCmd(opts))
	root.AddCommand(newRemindCmd(opts))
	root.AddCommand(newVersionCmd())
	return root
}

// load reads .env, the config file and installs the logger. Logs always
// go to stderr so stdout stays free for the console and MCP stdio.
func (o *options) load(logOut io.Writer) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := daemon.LoadConfig(o.configPath)
	if err != nil {
		return err
	}
	if o.dbPath != "" {
		cfg.Store.Driver = "sqlite"
		cfg.Store.SQLitePath = o.dbPath
	}
	o.cfg = cfg

	hopts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	var h slog.Handler
	switch strings.ToLower(o.logFormat) {
	case "json":
		h = slog.NewJSONHandler(logOut, hopts)
	case "", "text":
		h = slog.NewTextHandler(logOut, hopts)
	default:
		return fmt.Errorf("unknown log format %q", o.logFormat)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// newDaemon opens the store and gateway and builds the daemon. The
// returned close func releases the store.
func (o *options) newDaemon(ctx context.Context) (*daemon.Daemon, func(), error) {
	st, err := store.Open(ctx, o.cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	gw, _ := daemon.BuildGateway(ctx, o.cfg.LLM)
	d, err := daemon.New(o.cfg, st, gw)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return d, func() { st.Close() }, nil
}

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: chat channels, HTTP API and daily reminders",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			slog.Info("questbuddy starting", "version", version, "store", opts.cfg.Store.Driver)
			d, closeStore, err := opts.newDaemon(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := d.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("daemon: %w", err)
			}
			slog.Info("questbuddy stopped")
			return nil
		},
	}
}

func newChatCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat with Quest Buddy in the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			opts.cfg.Matrix.Enabled = false
			opts.cfg.Websocket.Enabled = false
			opts.cfg.Transport.ChunkDelay = ""
			d, closeStore, err := opts.newDaemon(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			return d.Attach(ctx, console.New(cmd.InOrStdin(), cmd.OutOrStdout()))
		},
	}
}

func newMCPCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the quest tools over MCP stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			loc, err := opts.cfg.Location()
			if err != nil {
				return fmt.Errorf("load timezone: %w", err)
			}
			st, err := store.Open(cmd.Context(), opts.cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			slog.Info("MCP server on stdio", "version", mcpserver.Version)
			return mcpserver.ServeStdio(mcpserver.New(quest.NewDispatcher(st, quest.WithLocation(loc))))
		},
	}
}

// printNotifier shows reminders on stdout instead of delivering them.
type printNotifier struct{ out io.Writer }

func (p printNotifier) Notify(_ context.Context, userID, text string) error {
	_, err := fmt.Fprintf(p.out, "--- %s\n%s\n\n", userID, text)
	return err
}

func newRemindCmd(opts *options) *cobra.Command {
	var preview bool
	cmd := &cobra.Command{
		Use:   "remind",
		Short: "Run one reminder cycle now and print its report",
		Long: "Run one reminder cycle now. Delivery goes through the channel each user last wrote from;\n" +
			"channels that need a live session (matrix) are only reachable from a running serve.\n" +
			"Use --preview to print the messages instead of sending them.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			var w *reminder.Worker
			if preview {
				loc, err := opts.cfg.Location()
				if err != nil {
					return fmt.Errorf("load timezone: %w", err)
				}
				st, err := store.Open(ctx, opts.cfg.Store)
				if err != nil {
					return err
				}
				defer st.Close()
				w = reminder.NewWorker(st, printNotifier{out: cmd.OutOrStdout()}, nil, reminder.Config{
					Hour: opts.cfg.Reminder.Hour, Minute: opts.cfg.Reminder.Minute, Location: loc,
				})
			} else {
				d, closeStore, err := opts.newDaemon(ctx)
				if err != nil {
					return err
				}
				defer closeStore()
				w = d.Reminder()
			}

			report := w.RemindOnce(ctx)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().BoolVar(&preview, "preview", false, "Print reminders instead of sending them")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "questbuddy %s (%s)\n", version, commit)
		},
	}
}
