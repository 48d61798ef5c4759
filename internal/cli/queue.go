package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/relsync/synckit"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Payload string
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue <type> [entity-id]",
		Short: "Queue a relationship change for the next sync",
		Long: `Queue a relationship change locally. Nothing is sent until sync runs.

Types: create, update, delete, accept, reject, end. Every type except create
needs an entity id.

Examples:
  relsync enqueue update R1 --payload '{"status":"active"}'
  relsync enqueue create --payload '{"user_a":"u1","user_b":"u2"}'
  relsync enqueue accept REQ-7`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(opts, cmd, args)
		},
	}

	cmd.Flags().StringVarP(&opts.Payload, "payload", "p", "{}", "change payload as a JSON object")

	return cmd
}

func parseObject(flag, raw string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("--%s must be a JSON object", flag), err)
	}
	return obj, nil
}

func runEnqueue(opts *EnqueueOptions, cmd *cobra.Command, args []string) error {
	typ, err := synckit.ParseChangeType(args[0])
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid change type", err)
	}
	payload, err := parseObject("payload", opts.Payload)
	if err != nil {
		return err
	}
	req := synckit.ChangeRequest{Type: typ, Payload: payload}
	if len(args) == 2 {
		req.EntityID = args[1]
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	rt, err := openRuntime(opts.RootOptions, cfg, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	change, err := rt.svc.EnqueueRelationshipChange(cmd.Context(), req)
	if err != nil {
		return storageExit("failed to queue change", err)
	}
	return output(cmd.OutOrStdout(), opts.Format, change, func(w io.Writer) {
		fmt.Fprintf(w, "Queued %s %s (change %s)\n", change.Type, displayEntity(change.EntityID), change.ID)
	})
}

func displayEntity(id string) string {
	if id == "" {
		return "<new>"
	}
	return id
}

// QueueOptions holds flags for the queue subcommands.
type QueueOptions struct {
	*RootOptions
	Yes bool
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and edit the offline queue",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List queued changes in the order they will sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueList(opts, cmd)
		},
	}

	remove := &cobra.Command{
		Use:   "remove <change-id>",
		Short: "Drop one queued change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueEdit(opts, cmd, func(rt *runtime) error {
				return rt.svc.RemoveFromQueue(cmd.Context(), args[0])
			}, "Removed "+args[0])
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued change, e.g. before switching accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.Yes {
				return NewExitError(ExitCommandError, "refusing to clear the queue without --yes")
			}
			return runQueueEdit(opts, cmd, func(rt *runtime) error {
				return rt.svc.ClearOfflineQueue(cmd.Context())
			}, "Queue cleared")
		},
	}
	clearCmd.Flags().BoolVarP(&opts.Yes, "yes", "y", false, "confirm clearing the queue")

	cmd.AddCommand(list, remove, clearCmd)
	return cmd
}

func runQueueList(opts *QueueOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	rt, err := openRuntime(opts.RootOptions, cfg, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	changes, err := rt.svc.OfflineQueue(cmd.Context())
	if err != nil {
		return storageExit("failed to read queue", err)
	}
	if changes == nil {
		changes = []synckit.QueuedChange{}
	}
	return output(cmd.OutOrStdout(), opts.Format, changes, func(w io.Writer) {
		if len(changes) == 0 {
			fmt.Fprintln(w, "Queue is empty.")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTYPE\tENTITY\tQUEUED AT")
		for _, c := range changes {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, c.Type, displayEntity(c.EntityID),
				c.EnqueuedTime().UTC().Format(time.RFC3339))
		}
		tw.Flush()
	})
}

func runQueueEdit(opts *QueueOptions, cmd *cobra.Command, edit func(*runtime) error, done string) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	rt, err := openRuntime(opts.RootOptions, cfg, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := edit(rt); err != nil {
		return storageExit("failed to update queue", err)
	}
	return output(cmd.OutOrStdout(), opts.Format, map[string]string{"result": done}, func(w io.Writer) {
		fmt.Fprintln(w, done)
	})
}
