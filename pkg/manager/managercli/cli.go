// Package managercli implements the usb-manager command line
// interface.
package managercli

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/sleepinghank/usb-manager/internal/hidsvc/linux"
	"github.com/sleepinghank/usb-manager/pkg/manager"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func Main(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get user config dir: %w", err)
	}
	cmd := NewRootCmd(filepath.Join(configDir, "usb-manager"))
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd.ExecuteContext(ctx)
}

type provider func() *manager.Manager

func NewRootCmd(configDir string) *cobra.Command {
	config := manager.Config{
		DataDir:       filepath.Join(configDir, "data"),
		ManagerConfig: filepath.Join(configDir, "manager.yml"),
	}
	rootCmd := &cobra.Command{
		Use:          "usb-manager",
		Short:        "Vendor-defined HID device manager",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&config.DataDir, "data-dir", config.DataDir, "Directory for persistent state")
	rootCmd.PersistentFlags().StringVar(&config.ManagerConfig, "config", config.ManagerConfig, "Path to the manager config file")

	var m *manager.Manager
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		m, err = manager.New(config)
		return err
	}
	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		if m == nil {
			return nil
		}
		return m.Close()
	}
	get := func() *manager.Manager { return m }

	rootCmd.AddCommand(
		newRunCmd(get),
		newListDevicesCmd(get),
		newKnownDevicesCmd(get),
		newGetInputCmd(get),
		newGetFeatureCmd(get),
		newSetOutputCmd(get),
		newWriteCmd(get),
		newReadCmd(get),
		newLoopbackCmd(),
	)
	return rootCmd
}

func newRunCmd(get provider) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the device manager and print hotplug events",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := get()
			ctx := cmd.Context()
			go func() {
				events := m.HID().Events()
				for {
					select {
					case <-ctx.Done():
						return
					case event := <-events:
						switch {
						case event.Added != nil:
							fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", event.Added.ID)
						case event.Removed != nil:
							fmt.Fprintf(cmd.OutOrStdout(), "removed %s (%s)\n",
								event.Removed.Device.ID, event.Removed.Device.Product)
						}
					}
				}
			}()
			return m.Run(ctx)
		},
	}
}

func newListDevicesCmd(get provider) *cobra.Command {
	return &cobra.Command{
		Use:   "list-devices",
		Short: "List currently connected managed devices as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := get().Devices()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), devices)
		},
	}
}

func newKnownDevicesCmd(get provider) *cobra.Command {
	return &cobra.Command{
		Use:   "known-devices",
		Short: "List all devices ever seen by the manager as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := get().Store().List()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), records)
		},
	}
}

func newGetInputCmd(get provider) *cobra.Command {
	return &cobra.Command{
		Use:   "get-input <device-id> <report-id> <length>",
		Short: "Request an input report and print it as hex",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, reportID, err := parseTarget(args)
			if err != nil {
				return err
			}
			length, err := parseLength(args[2])
			if err != nil {
				return err
			}
			dev, err := get().Device(id)
			if err != nil {
				return err
			}
			data, err := dev.GetInputReport(reportID, length)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(data))
			return nil
		},
	}
}

func newGetFeatureCmd(get provider) *cobra.Command {
	return &cobra.Command{
		Use:   "get-feature <device-id> <report-id> <length>",
		Short: "Request a feature report and print it as hex",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, reportID, err := parseTarget(args)
			if err != nil {
				return err
			}
			length, err := parseLength(args[2])
			if err != nil {
				return err
			}
			dev, err := get().Device(id)
			if err != nil {
				return err
			}
			data, err := dev.GetFeatureReport(reportID, length)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(data))
			return nil
		},
	}
}

func newSetOutputCmd(get provider) *cobra.Command {
	return &cobra.Command{
		Use:   "set-output <device-id> <report-id> <hex-payload>",
		Short: "Send an output report over the control channel",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, reportID, err := parseTarget(args)
			if err != nil {
				return err
			}
			payload, err := hex.DecodeString(args[2])
			if err != nil {
				return fmt.Errorf("invalid hex payload: %w", err)
			}
			dev, err := get().Device(id)
			if err != nil {
				return err
			}
			return dev.SetOutputReport(reportID, payload)
		},
	}
}

func newWriteCmd(get provider) *cobra.Command {
	return &cobra.Command{
		Use:   "write <device-id> <report-id> <hex-payload>",
		Short: "Write an output report over the interrupt channel",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, reportID, err := parseTarget(args)
			if err != nil {
				return err
			}
			payload, err := hex.DecodeString(args[2])
			if err != nil {
				return fmt.Errorf("invalid hex payload: %w", err)
			}
			dev, err := get().Device(id)
			if err != nil {
				return err
			}
			n, err := dev.Write(reportID, payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes\n", n)
			return nil
		},
	}
}

func newReadCmd(get provider) *cobra.Command {
	return &cobra.Command{
		Use:   "read <device-id> <report-id> <length>",
		Short: "Read one input report from the interrupt channel and print it as hex",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, reportID, err := parseTarget(args)
			if err != nil {
				return err
			}
			length, err := parseLength(args[2])
			if err != nil {
				return err
			}
			dev, err := get().Device(id)
			if err != nil {
				return err
			}
			data, err := dev.Read(reportID, length)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(data))
			return nil
		},
		Args: cobra.ExactArgs(3),
	}
}

func newLoopbackCmd() *cobra.Command {
	var (
		name      string
		vendorID  uint32
		productID uint32
		usagePage uint16
	)
	cmd := &cobra.Command{
		Use:   "loopback",
		Short: "Create a virtual echo device for testing (requires uhid)",
		// The full manager is not needed here and would take the
		// data dir lock away from a concurrently running manager.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			loopback := linux.NewLoopback(log.Named("loopback"), name, vendorID, productID, usagePage)
			return loopback.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&name, "name", "usb-manager loopback", "Device name")
	cmd.Flags().Uint32Var(&vendorID, "vendor-id", 0x1209, "Vendor id")
	cmd.Flags().Uint32Var(&productID, "product-id", 0x0001, "Product id")
	cmd.Flags().Uint16Var(&usagePage, "usage-page", 0xff00, "Usage page of the vendor collection")
	return cmd
}

func parseTarget(args []string) (uuid.UUID, byte, error) {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("invalid device id %q: %w", args[0], err)
	}
	reportID, err := strconv.ParseUint(args[1], 0, 8)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("invalid report id %q: %w", args[1], err)
	}
	return id, byte(reportID), nil
}

func parseLength(arg string) (int, error) {
	length, err := strconv.ParseUint(arg, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid length %q: %w", arg, err)
	}
	return int(length), nil
}

func printJSON(out io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}
