// Package exporter streams blobs out of a volume in object order.
package exporter

import (
	"context"
	"fmt"
	"io"

	"blobgate/pkg/chunker"
	"blobgate/pkg/client"
	"blobgate/pkg/core"
	"blobgate/pkg/types"

	"golang.org/x/sync/errgroup"
)

// DefaultWindow is how many object reads may be in flight ahead of the
// writer.
const DefaultWindow = 8

// Client is what the exporter reads through. *client.Client satisfies it.
type Client interface {
	StatBlob(ctx context.Context, vol core.VolumeRef, blob string) *client.Future[core.BlobDescriptor]
	ReadObject(ctx context.Context, vol core.VolumeRef, blob string, index types.ObjectOffset, innerOffset, innerLength int64) *client.Future[[]byte]
	ObjectSize(ctx context.Context, vol core.VolumeRef) (int64, error)
}

type Exporter struct {
	client Client
	window int
}

func NewExporter(c Client, window int) *Exporter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Exporter{client: c, window: window}
}

// ExportBlob writes exactly byteCount bytes of blob to w and returns the
// descriptor it exported against.
func (e *Exporter) ExportBlob(ctx context.Context, vol core.VolumeRef, blob string, w io.Writer) (core.BlobDescriptor, error) {
	// 1. Length and object size decide the frame plan
	desc, err := e.client.StatBlob(ctx, vol, blob).Get(ctx)
	if err != nil {
		return core.BlobDescriptor{}, err
	}
	size, err := e.client.ObjectSize(ctx, vol)
	if err != nil {
		return core.BlobDescriptor{}, err
	}
	frames := chunker.NewChunker(size).Frames(desc.ByteCount)

	// The channel's capacity is the read-ahead window: the producer blocks
	// once that many reads are waiting for the writer.
	g, gctx := errgroup.WithContext(ctx)
	inflight := make(chan *client.Future[[]byte], e.window)

	// 2. Producer: issue reads in object order
	g.Go(func() error {
		defer close(inflight)
		for _, f := range frames {
			fut := e.client.ReadObject(gctx, vol, blob, f.Index, f.InnerOffset, f.InnerLength)
			select {
			case inflight <- fut:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	// 3. Consumer: Key: futures are awaited in issue order, so the output is
	// in object order even though replies may arrive out of order
	g.Go(func() error {
		i := 0
		for fut := range inflight {
			data, err := fut.Get(gctx)
			if err != nil {
				return err
			}
			if _, err := w.Write(data); err != nil {
				return fmt.Errorf("write object %d: %w", frames[i].Index, err)
			}
			i++
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return core.BlobDescriptor{}, err
	}
	return desc, nil
}
