package commands

import (
	"context"
	"fmt"
	"io/fs"
	"strings"
	"text/tabwriter"
	"time"

	"blobgate/pkg/app"
	"blobgate/pkg/namespace"

	"github.com/spf13/cobra"
)

// catChunk bounds how much of a file is held in memory while printing it.
const catChunk = 1 << 20

var (
	mkdirParents bool
	importTo     string
)

var fsCmd = &cobra.Command{
	Use:   "fs",
	Short: "Browse a volume as a directory tree",
}

var fsMkdirCmd = &cobra.Command{
	Use:   "mkdir [volume] [path]",
	Short: "Create a directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireApp(); err != nil {
			return err
		}
		ctx := ctxOf(cmd)
		nsa := BG.Namespace(BG.Volume(args[0]))
		dir, err := nsa.Root(ctx)
		if err != nil {
			return err
		}

		parts := splitPath(args[1])
		if len(parts) == 0 {
			return fmt.Errorf("mkdir: path is required")
		}
		// walk down from the root, creating each level; existing parents are
		// reused and only the last one must be new (unless -p)
		for i, name := range parts {
			last := i == len(parts)-1
			next, err := nsa.Mkdir(ctx, dir, name, BG.Owner(), 0o755)
			if err == nil {
				dir = next
				continue
			}
			if last && !mkdirParents {
				return err
			}
			next, _, lerr := nsa.Lookup(ctx, dir, name)
			if lerr != nil {
				return err
			}
			if !next.IsDir() {
				return fmt.Errorf("%s: %w", next.Path, namespace.ErrNotDir)
			}
			dir = next
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created: %s\n", dir.Path)
		return nil
	},
}

var fsListCmd = &cobra.Command{
	Use:   "ls [volume] [path]",
	Short: "List a directory",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireApp(); err != nil {
			return err
		}
		ctx := ctxOf(cmd)
		nsa := BG.Namespace(BG.Volume(args[0]))
		p := ""
		if len(args) == 2 {
			p = args[1]
		}
		// empty path lists the root
		dir, err := resolve(ctx, nsa, p)
		if err != nil {
			return err
		}
		entries, err := nsa.List(ctx, dir)
		if err != nil {
			return err
		}

		// ls -l style: mode, uid, gid, size, mtime, name
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		for _, e := range entries {
			mode := fs.FileMode(e.Attrs.Mode & 0o777)
			if e.Inode.IsDir() {
				mode |= fs.ModeDir
			}
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\n",
				mode, e.Attrs.UID, e.Attrs.GID, e.Attrs.Size,
				e.Attrs.Mtime.Local().Format(time.DateTime), e.Name)
		}
		return tw.Flush()
	},
}

var fsCatCmd = &cobra.Command{
	Use:   "cat [volume] [path]",
	Short: "Print a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireApp(); err != nil {
			return err
		}
		ctx := ctxOf(cmd)
		nsa := BG.Namespace(BG.Volume(args[0]))
		ino, err := resolve(ctx, nsa, args[1])
		if err != nil {
			return err
		}
		attrs, err := nsa.GetAttributes(ctx, ino)
		if err != nil {
			return err
		}
		// Key: read in catChunk slices straight to stdout, never the whole file
		out := cmd.OutOrStdout()
		for off := int64(0); off < attrs.Size; off += catChunk {
			data, err := nsa.Read(ctx, ino, off, catChunk)
			if err != nil {
				return err
			}
			if _, err := out.Write(data); err != nil {
				return err
			}
		}
		return nil
	},
}

var fsRemoveCmd = &cobra.Command{
	Use:   "rm [volume] [path]",
	Short: "Remove a file or an empty directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireApp(); err != nil {
			return err
		}
		ctx := ctxOf(cmd)
		nsa := BG.Namespace(BG.Volume(args[0]))
		parts := splitPath(args[1])
		if len(parts) == 0 {
			return fmt.Errorf("rm: refusing to remove the root")
		}
		// Remove works on (parent, name), like unlink(2)
		parent, err := resolve(ctx, nsa, strings.Join(parts[:len(parts)-1], "/"))
		if err != nil {
			return err
		}
		return nsa.Remove(ctx, parent, parts[len(parts)-1])
	},
}

var fsImportCmd = &cobra.Command{
	Use:   "import [volume] [local dir]",
	Short: "Copy a local directory tree into the volume",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireApp(); err != nil {
			return err
		}
		ctx := ctxOf(cmd)
		nsa := BG.Namespace(BG.Volume(args[0]))
		dest, err := resolve(ctx, nsa, importTo)
		if err != nil {
			return err
		}

		// each file is its own transaction; a failure stops the walk
		start := time.Now()
		stats, err := app.ImportTree(ctx, nsa, dest, args[1], BG.Owner())
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Imported %d files in %d directories (%d bytes) in %s\n",
			stats.Files, stats.Dirs, stats.Bytes, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

// resolve walks p from the root, one lookup per component.
func resolve(ctx context.Context, nsa *namespace.Adapter, p string) (namespace.Inode, error) {
	ino, err := nsa.Root(ctx)
	if err != nil {
		return namespace.Inode{}, err
	}
	for _, name := range splitPath(p) {
		if ino, _, err = nsa.Lookup(ctx, ino, name); err != nil {
			return namespace.Inode{}, err
		}
	}
	return ino, nil
}

// splitPath drops empty and "." components. ".." is left for Lookup to reject.
func splitPath(p string) []string {
	var parts []string
	for _, s := range strings.Split(p, "/") {
		if s != "" && s != "." {
			parts = append(parts, s)
		}
	}
	return parts
}

func init() {
	fsMkdirCmd.Flags().BoolVarP(&mkdirParents, "parents", "p", false, "create missing parents, no error if existing")
	fsImportCmd.Flags().StringVar(&importTo, "to", "", "destination directory inside the volume")

	fsCmd.AddCommand(fsMkdirCmd, fsListCmd, fsCatCmd, fsRemoveCmd, fsImportCmd)
	rootCmd.AddCommand(fsCmd)
}
