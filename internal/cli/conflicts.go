package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/relsync/synckit"
)

// ConflictsOptions holds flags for the conflicts subcommands.
type ConflictsOptions struct {
	*RootOptions
	All  bool
	Data string
}

// NewConflictsCommand creates the conflicts command group.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConflictsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Review and resolve recorded conflicts",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List unresolved conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflictsList(opts, cmd)
		},
	}
	list.Flags().BoolVar(&opts.All, "all", false, "include resolved conflicts")

	resolve := &cobra.Command{
		Use:   "resolve <entity-or-change-id> <local|server|merge>",
		Short: "Resolve a conflict and apply the outcome remotely",
		Long: `Resolve the newest unresolved conflict for an entity id (or, failing that,
for a queued change id). The remote write happens first; the conflict is then
marked resolved and its change leaves the queue.

  local  - write the queued payload over the server row
  server - keep the server row as is
  merge  - server row overlaid with the queued payload, or --data if given

Examples:
  relsync conflicts resolve R1 server
  relsync conflicts resolve R1 merge --data '{"status":"active","note":"both"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflictsResolve(opts, cmd, args)
		},
	}
	resolve.Flags().StringVar(&opts.Data, "data", "", "merged row to write instead of the computed merge (JSON object)")

	cmd.AddCommand(list, resolve)
	return cmd
}

func runConflictsList(opts *ConflictsOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	rt, err := openRuntime(opts.RootOptions, cfg, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	var conflicts []synckit.Conflict
	if opts.All {
		conflicts, err = rt.svc.ConflictHistory(cmd.Context())
	} else {
		conflicts, err = rt.svc.Conflicts(cmd.Context())
	}
	if err != nil {
		return storageExit("failed to read conflicts", err)
	}
	if conflicts == nil {
		conflicts = []synckit.Conflict{}
	}

	return output(cmd.OutOrStdout(), opts.Format, conflicts, func(w io.Writer) {
		if len(conflicts) == 0 {
			fmt.Fprintln(w, "No conflicts.")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ENTITY\tCHANGE\tTYPE\tDETECTED AT\tSTATE")
		for _, c := range conflicts {
			state := "pending"
			if c.Resolved {
				state = "resolved: " + string(c.Resolution)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				displayEntity(c.EntityID), c.LocalChange.ID, c.LocalChange.Type,
				time.UnixMilli(c.DetectedAt).UTC().Format(time.RFC3339), state)
		}
		tw.Flush()
	})
}

func runConflictsResolve(opts *ConflictsOptions, cmd *cobra.Command, args []string) error {
	key := args[0]
	res := synckit.Resolution(args[1])
	if !res.Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown resolution %q: must be local, server or merge", args[1]))
	}
	var merged synckit.Row
	if opts.Data != "" {
		if res != synckit.ResolveMerge {
			return NewExitError(ExitCommandError, "--data only applies to merge")
		}
		obj, err := parseObject("data", opts.Data)
		if err != nil {
			return err
		}
		merged = obj
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	rt, err := openRuntime(opts.RootOptions, cfg, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.svc.ResolveConflict(cmd.Context(), key, res, merged); err != nil {
		return WrapExitError(ExitFailure, "failed to resolve conflict", err)
	}
	msg := fmt.Sprintf("Resolved %s with %s", key, res)
	return output(cmd.OutOrStdout(), opts.Format, map[string]string{"key": key, "resolution": string(res)}, func(w io.Writer) {
		fmt.Fprintln(w, msg)
	})
}
