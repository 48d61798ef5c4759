package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/c0deZ3R0/relsync"
	"github.com/c0deZ3R0/relsync/internal/config"
	"github.com/c0deZ3R0/relsync/logging"
	"github.com/c0deZ3R0/relsync/storage/postgres"
	"github.com/c0deZ3R0/relsync/transport/realtime"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Strategy string
	Interval time.Duration
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep syncing until interrupted",
		Long: `Run sync passes on an interval, whenever connectivity comes back and
whenever the remote reports a change (websocket feed from realtime.url, or
LISTEN/NOTIFY for the postgres remote). One line is printed per pass.

Examples:
  relsync watch -c relsync.yaml
  relsync watch -c relsync.yaml --interval 15s --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Strategy, "strategy", "", "override the conflict policy (local|server|merge|manual)")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "override sync.interval")

	return cmd
}

func runWatch(opts *WatchOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if err := applyStrategy(cfg, opts.Strategy); err != nil {
		return err
	}
	if opts.Interval > 0 {
		cfg.Sync.Interval = opts.Interval
	}
	rt, err := openRuntime(opts.RootOptions, cfg, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	sched := relsync.NewScheduler(rt.svc,
		relsync.WithSyncInterval(cfg.Sync.Interval),
		relsync.WithConnectivityPoll(cfg.Sync.ConnectivityPoll),
		relsync.WithPassTimeout(cfg.Sync.PassTimeout),
		relsync.WithSchedulerLogger(rt.logger.With(slog.Any("component", logging.Component("scheduler")))))

	out := cmd.OutOrStdout()
	sched.Subscribe(func(r relsync.PassReport) {
		printPass(out, opts.Format, r)
	})

	g, ctx := errgroup.WithContext(cmd.Context())
	if err := sched.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to start scheduler", err)
	}
	defer sched.Stop()

	if cfg.Realtime.URL != "" {
		feed := newRealtimeFeed(cfg, rt.logger)
		g.Go(func() error {
			return ignoreCanceled(feed.Run(ctx, func(n realtime.Notification) {
				sched.Trigger(relsync.ReasonRemote)
			}))
		})
	}

	if cfg.Remote.Kind == config.RemotePostgres {
		pc := cfg.Remote.Postgres
		pc.Logger = rt.logger.With(slog.Any("component", logging.Component("postgres-listener")))
		listener, err := postgres.NewListener(&pc)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to create change listener", err)
		}
		defer listener.Close()
		g.Go(func() error {
			return ignoreCanceled(listener.Run(ctx, func(n postgres.Notification) {
				sched.Trigger(relsync.ReasonRemote)
			}))
		})
	}

	rt.logger.InfoContext(ctx, "watching for changes",
		"interval", cfg.Sync.Interval,
		"realtime", cfg.Realtime.URL != "",
		"remote", cfg.Remote.Kind)

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "change feed failed", err)
	}
	return nil
}

func newRealtimeFeed(cfg *config.Config, logger *slog.Logger) *realtime.Client {
	ropts := []realtime.Option{
		realtime.WithTables(cfg.Tables.Relationships, cfg.Tables.Requests),
		realtime.WithLogger(logger.With(slog.Any("component", logging.Component("realtime")))),
	}
	if cfg.Realtime.Token != "" {
		ropts = append(ropts, realtime.WithHeader("Authorization", "Bearer "+cfg.Realtime.Token))
	}
	for k, v := range cfg.Realtime.Headers {
		ropts = append(ropts, realtime.WithHeader(k, v))
	}
	return realtime.NewClient(cfg.Realtime.URL, ropts...)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

type passLine struct {
	Reason  string `json:"reason"`
	Started string `json:"started"`
	Skipped bool   `json:"skipped,omitempty"`
	SyncReport
	Error string `json:"error,omitempty"`
}

func printPass(w io.Writer, format string, r relsync.PassReport) {
	line := passLine{
		Reason:  r.Reason,
		Started: r.Started.UTC().Format(time.RFC3339),
		Skipped: r.Skipped,
		SyncReport: SyncReport{
			Synced:     r.Result.Synced,
			Conflicts:  r.Result.Conflicts,
			Errors:     r.Result.Errors,
			DurationMs: r.Result.Duration.Milliseconds(),
		},
	}
	if r.Err != nil {
		line.Error = r.Err.Error()
	}

	if format == "json" {
		data, _ := json.Marshal(line)
		fmt.Fprintln(w, string(data))
		return
	}
	switch {
	case r.Skipped:
		fmt.Fprintf(w, "%s [%s] offline, pass skipped\n", line.Started, line.Reason)
	case r.Err != nil:
		fmt.Fprintf(w, "%s [%s] failed: %s\n", line.Started, line.Reason, line.Error)
	default:
		fmt.Fprintf(w, "%s [%s] synced %d, conflicts %d, errors %d\n",
			line.Started, line.Reason, line.Synced, line.Conflicts, line.Errors)
	}
}
