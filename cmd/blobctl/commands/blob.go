package commands

import (
	"fmt"
	"io"
	"os"
	"time"

	"blobgate/pkg/client"
	"blobgate/pkg/core"
	"blobgate/pkg/exporter"

	"github.com/spf13/cobra"
)

var (
	putMeta    map[string]string
	getOutput  string
	listFilter core.ListFilter
)

var blobCmd = &cobra.Command{
	Use:   "blob",
	Short: "Read and write blobs",
}

var blobPutCmd = &cobra.Command{
	Use:   "put [volume] [blob] [file]",
	Short: "Upload a file (or stdin with -) as a blob, replacing its content",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireApp(); err != nil {
			return err
		}
		ctx := ctxOf(cmd)

		// 1. Source: a file, or stdin for "-"
		var r io.Reader = cmd.InOrStdin()
		if args[2] != "-" {
			f, err := os.Open(args[2])
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}

		// 2. Chunk and commit in one transaction
		start := time.Now()
		desc, err := BG.Ingester.PutBlob(ctx, BG.Volume(args[0]), args[1], r, putMeta)
		if err != nil {
			return fmt.Errorf("put failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Stored %s (%d bytes, version %d) in %s\n",
			desc.Name, desc.ByteCount, desc.Version, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

var blobGetCmd = &cobra.Command{
	Use:   "get [volume] [blob]",
	Short: "Download a blob to stdout or a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireApp(); err != nil {
			return err
		}
		// Key: stdout by default, so binary content can be redirected with > file.bin
		w := cmd.OutOrStdout()
		if getOutput != "" {
			f, err := os.Create(getOutput)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		if _, err := BG.Exporter.ExportBlob(ctxOf(cmd), BG.Volume(args[0]), args[1], w); err != nil {
			return fmt.Errorf("get failed: %w", err)
		}
		return nil
	},
}

var blobStatCmd = &cobra.Command{
	Use:   "stat [volume] [blob]",
	Short: "Show a blob's descriptor",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireApp(); err != nil {
			return err
		}
		ctx := ctxOf(cmd)
		// a single round trip, no transaction
		desc, err := BG.Client.StatBlob(ctx, BG.Volume(args[0]), args[1]).Get(ctx)
		if err != nil {
			return err
		}
		return exporter.PrintBlob(cmd.OutOrStdout(), desc)
	},
}

var blobListCmd = &cobra.Command{
	Use:   "ls [volume]",
	Short: "List blobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireApp(); err != nil {
			return err
		}
		ctx := ctxOf(cmd)
		list, err := BG.Client.ListBlobs(ctx, BG.Volume(args[0]), listFilter).Get(ctx)
		if err != nil {
			return err
		}
		return exporter.PrintBlobList(cmd.OutOrStdout(), list)
	},
}

var blobRemoveCmd = &cobra.Command{
	Use:   "rm [volume] [blobs...]",
	Short: "Delete blobs",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireApp(); err != nil {
			return err
		}
		ctx := ctxOf(cmd)
		vol := BG.Volume(args[0])

		// issue every delete, then collect
		futures := make([]*client.Future[struct{}], 0, len(args)-1)
		for _, name := range args[1:] {
			futures = append(futures, BG.Client.DeleteBlob(ctx, vol, name))
		}
		// one failure does not stop the rest
		var failed int
		for i, f := range futures {
			name := args[i+1]
			if _, err := f.Get(ctx); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "rm %s: %v\n", name, err)
				failed++
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted: %s\n", name)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d deletes failed", failed, len(futures))
		}
		return nil
	},
}

var blobMoveCmd = &cobra.Command{
	Use:   "mv [volume] [src] [dst]",
	Short: "Rename a blob",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireApp(); err != nil {
			return err
		}
		ctx := ctxOf(cmd)
		// the engine refuses a dst that already exists
		desc, err := BG.Client.RenameBlob(ctx, BG.Volume(args[0]), args[1], args[2]).Get(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", args[1], desc.Name)
		return nil
	},
}

func init() {
	// 1. Flags
	blobPutCmd.Flags().StringToStringVar(&putMeta, "meta", nil, "metadata key=value pairs")
	blobGetCmd.Flags().StringVarP(&getOutput, "output", "o", "", "write to file instead of stdout")
	blobListCmd.Flags().StringVar(&listFilter.Prefix, "prefix", "", "only names with this prefix")
	blobListCmd.Flags().StringVar(&listFilter.Pattern, "pattern", "", "only names matching this regular expression")
	blobListCmd.Flags().IntVar(&listFilter.Limit, "limit", 0, "maximum number of blobs")
	blobListCmd.Flags().IntVar(&listFilter.Offset, "offset", 0, "skip this many blobs")
	blobListCmd.Flags().BoolVar(&listFilter.Descending, "desc", false, "reverse order")

	// 2. Command tree
	blobCmd.AddCommand(blobPutCmd, blobGetCmd, blobStatCmd, blobListCmd, blobRemoveCmd, blobMoveCmd)
	rootCmd.AddCommand(blobCmd)
}
