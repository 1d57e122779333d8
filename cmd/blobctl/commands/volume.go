package commands

import (
	"fmt"
	"sort"
	"strings"

	"blobgate/pkg/core"
	"blobgate/pkg/exporter"

	"github.com/spf13/cobra"
)

var volumeObjectSize int64

var volumeCmd = &cobra.Command{
	Use:   "volume",
	Short: "Manage volumes",
}

var volumeCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireApp(); err != nil {
			return err
		}
		ctx := ctxOf(cmd)
		// object size is fixed for the life of the volume
		desc, err := BG.Client.CreateVolume(ctx, BG.Volume(args[0]), core.VolumeSettings{ObjectSize: volumeObjectSize}).Get(ctx)
		if err != nil {
			return fmt.Errorf("create volume failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Created volume %s (object size %d)\n", desc.Ref, desc.Settings.ObjectSize)
		return nil
	},
}

var volumeListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List the volumes of the domain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireApp(); err != nil {
			return err
		}
		ctx := ctxOf(cmd)
		vols, err := BG.Client.ListVolumes(ctx, BG.Domain).Get(ctx)
		if err != nil {
			return err
		}
		return exporter.PrintVolumes(cmd.OutOrStdout(), vols)
	},
}

var volumeStatCmd = &cobra.Command{
	Use:   "stat [name]",
	Short: "Show a volume's settings and usage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireApp(); err != nil {
			return err
		}
		ctx := ctxOf(cmd)
		vol := BG.Volume(args[0])

		// 1. Both requests go out before either reply is awaited
		descF := BG.Client.StatVolume(ctx, vol)
		statusF := BG.Client.VolumeStatus(ctx, vol)
		desc, err := descF.Get(ctx)
		if err != nil {
			return err
		}
		status, err := statusF.Get(ctx)
		if err != nil {
			return err
		}

		// 2. Print
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Volume:      %s\n", desc.Ref)
		fmt.Fprintf(out, "Object size: %d\n", desc.Settings.ObjectSize)
		fmt.Fprintf(out, "Created:     %s\n", desc.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(out, "Blobs:       %d\n", status.BlobCount)
		fmt.Fprintf(out, "Used bytes:  %d\n", status.UsedBytes)
		return nil
	},
}

var volumeDeleteCmd = &cobra.Command{
	Use:   "rm [name]",
	Short: "Delete an empty volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireApp(); err != nil {
			return err
		}
		ctx := ctxOf(cmd)
		// fails while the volume still holds blobs
		if _, err := BG.Client.DeleteVolume(ctx, BG.Volume(args[0])).Get(ctx); err != nil {
			return fmt.Errorf("delete volume failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "🗑️  Deleted volume %s\n", args[0])
		return nil
	},
}

var volumeMetaCmd = &cobra.Command{
	Use:   "meta [name] [key=value...]",
	Short: "Show or set volume metadata",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireApp(); err != nil {
			return err
		}
		ctx := ctxOf(cmd)
		vol := BG.Volume(args[0])

		// 1. Merge any key=value pairs; keys are never removed
		if len(args) > 1 {
			md := make(map[string]string, len(args)-1)
			for _, kv := range args[1:] {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fmt.Errorf("invalid metadata %q, want key=value", kv)
				}
				md[k] = v
			}
			if _, err := BG.Client.SetVolumeMetadata(ctx, vol, md).Get(ctx); err != nil {
				return err
			}
		}

		// 2. Show the result, sorted by key
		md, err := BG.Client.GetVolumeMetadata(ctx, vol).Get(ctx)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(md))
		for k := range md {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", k, md[k])
		}
		return nil
	},
}

func init() {
	volumeCreateCmd.Flags().Int64Var(&volumeObjectSize, "object-size", core.DefaultObjectSize, "object size in bytes")
	volumeCmd.AddCommand(volumeCreateCmd, volumeListCmd, volumeStatCmd, volumeDeleteCmd, volumeMetaCmd)
	rootCmd.AddCommand(volumeCmd)
}
