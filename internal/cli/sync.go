package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/relsync/internal/config"
	"github.com/c0deZ3R0/relsync/synckit"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Strategy string
	Force    bool
}

// SyncReport is the sync command's output.
type SyncReport struct {
	Synced     int   `json:"synced"`
	Conflicts  int   `json:"conflicts"`
	Errors     int   `json:"errors"`
	DurationMs int64 `json:"duration_ms"`
	Remaining  int   `json:"remaining"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay the offline queue against the remote store",
		Long: `Run one reconciliation pass. Queued changes are applied in order; changes
that conflict with newer server state are resolved by the configured policy or
recorded for "relsync conflicts resolve".

Exit codes:
  0 - Pass finished without errors (conflicts may remain)
  1 - Remote unreachable or some changes failed and stay queued
  2 - Command error

Examples:
  relsync sync -c relsync.yaml
  relsync sync -c relsync.yaml --strategy server`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Strategy, "strategy", "", "override the conflict policy (local|server|merge|manual)")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "sync even when the connectivity probe reports offline")

	return cmd
}

// applyStrategy replaces the configured conflict policy with a single
// strategy for this invocation.
func applyStrategy(cfg *config.Config, strategy string) error {
	if strategy == "" {
		return nil
	}
	cfg.Conflicts = config.ConflictConfig{Default: strategy}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid --strategy", err)
	}
	return nil
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if err := applyStrategy(cfg, opts.Strategy); err != nil {
		return err
	}
	rt, err := openRuntime(opts.RootOptions, cfg, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	if !opts.Force && !rt.svc.IsOnline(ctx) {
		return NewExitError(ExitFailure, "remote store is unreachable; changes stay queued (use --force to try anyway)")
	}

	res, err := rt.svc.SyncOfflineQueue(ctx)
	if err != nil {
		return storageExit("sync failed", err)
	}
	remaining, err := rt.svc.OfflineQueue(ctx)
	if err != nil {
		return storageExit("failed to read queue", err)
	}

	report := newSyncReport(res, len(remaining))
	if err := output(cmd.OutOrStdout(), opts.Format, report, func(w io.Writer) {
		fmt.Fprintf(w, "Synced %d, conflicts %d, errors %d (%d still queued)\n",
			report.Synced, report.Conflicts, report.Errors, report.Remaining)
		if report.Conflicts > 0 {
			fmt.Fprintln(w, `Run "relsync conflicts list" to review conflicts.`)
		}
	}); err != nil {
		return err
	}
	if res.Errors > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d changes could not sync", res.Errors))
	}
	return nil
}

func newSyncReport(res synckit.SyncResult, remaining int) SyncReport {
	return SyncReport{
		Synced:     res.Synced,
		Conflicts:  res.Conflicts,
		Errors:     res.Errors,
		DurationMs: res.Duration.Milliseconds(),
		Remaining:  remaining,
	}
}
