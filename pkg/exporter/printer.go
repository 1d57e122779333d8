package exporter

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"
	"time"

	"blobgate/pkg/core"
)

// PrintBlob writes a human-readable descriptor.
func PrintBlob(w io.Writer, desc core.BlobDescriptor) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Name:\t%s\n", desc.Name)
	fmt.Fprintf(tw, "Size:\t%s (%d bytes)\n", fmtSize(desc.ByteCount), desc.ByteCount)
	fmt.Fprintf(tw, "Version:\t%d\n", desc.Version)
	fmt.Fprintf(tw, "Updated:\t%s\n", fmtTime(desc.UpdatedAt))
	if len(desc.Metadata) > 0 {
		fmt.Fprintf(tw, "Metadata:\t\n")
		for _, k := range slices.Sorted(maps.Keys(desc.Metadata)) {
			fmt.Fprintf(tw, "  %s\t%s\n", k, desc.Metadata[k])
		}
	}
	return tw.Flush()
}

// PrintBlobList writes one row per blob, like ls -l.
func PrintBlobList(w io.Writer, list core.BlobList) error {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "SIZE\tVERSION\tUPDATED\tNAME\n")
	for _, b := range list.Blobs {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", fmtSize(b.ByteCount), b.Version, fmtTime(b.UpdatedAt), b.Name)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if list.Total > len(list.Blobs) {
		_, err := fmt.Fprintf(w, "(%d of %d shown)\n", len(list.Blobs), list.Total)
		return err
	}
	return nil
}

// PrintVolumes writes one row per volume.
func PrintVolumes(w io.Writer, vols []core.VolumeDescriptor) error {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "DOMAIN\tNAME\tOBJECT SIZE\tCREATED\n")
	for _, v := range vols {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.Ref.Domain, v.Ref.Name, fmtSize(v.Settings.ObjectSize), fmtTime(v.CreatedAt))
	}
	return tw.Flush()
}

func fmtSize(s int64) string {
	if s < 1024 {
		return fmt.Sprintf("%dB", s)
	} else if s < 1024*1024 {
		return fmt.Sprintf("%.1fKB", float64(s)/1024)
	}
	return fmt.Sprintf("%.2fMB", float64(s)/1024/1024)
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}
