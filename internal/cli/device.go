package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewDeviceIDCommand creates the device-id command.
func NewDeviceIDCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "device-id",
		Short: "Print this installation's device identifier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			rt, err := openRuntime(opts, cfg, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			id := rt.svc.DeviceID(cmd.Context())
			return output(cmd.OutOrStdout(), opts.Format, map[string]string{"device_id": id}, func(w io.Writer) {
				fmt.Fprintln(w, id)
			})
		},
	}
}

// NewOnlineCommand creates the online command.
func NewOnlineCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "online",
		Short: "Probe whether the remote store is reachable",
		Long: `Probe the remote store. Exits 0 when reachable and 1 otherwise, so it can
gate scripts:

  relsync online -c relsync.yaml && relsync sync -c relsync.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			rt, err := openRuntime(opts, cfg, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			online := rt.svc.IsOnline(cmd.Context())
			if err := output(cmd.OutOrStdout(), opts.Format, map[string]bool{"online": online}, func(w io.Writer) {
				if online {
					fmt.Fprintln(w, "online")
				} else {
					fmt.Fprintln(w, "offline")
				}
			}); err != nil {
				return err
			}
			if !online {
				return NewExitError(ExitFailure, "remote store is unreachable")
			}
			return nil
		},
	}
}
