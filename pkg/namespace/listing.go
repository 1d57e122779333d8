package namespace

import (
	"context"
	"path"
	"regexp"
	"slices"
	"sync"

	"blobgate/pkg/core"
)

const (
	// listPage is how many entries one ListBlobs round trip asks for.
	listPage = 1000
	// DefaultListingCacheSize bounds how many directory listings are kept.
	DefaultListingCacheSize = 256
)

// DirEntry is one child of a listed directory.
type DirEntry struct {
	Name  string
	Inode Inode
	Attrs Attributes
}

type cachedListing struct {
	generation uint64
	entries    []DirEntry
}

// listingCache remembers the last listing of each directory together with
// the generation it was read at.
type listingCache struct {
	mu      sync.Mutex
	max     int
	entries map[string]cachedListing
}

func newListingCache(size int) *listingCache {
	return &listingCache{max: size, entries: make(map[string]cachedListing)}
}

func (c *listingCache) get(dir string, generation uint64) ([]DirEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.entries[dir]
	if !ok || l.generation != generation {
		return nil, false
	}
	return slices.Clone(l.entries), true
}

func (c *listingCache) put(dir string, generation uint64, entries []DirEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.max <= 0 {
		return
	}
	if _, ok := c.entries[dir]; !ok && len(c.entries) >= c.max {
		// evict any one entry; a miss only costs a ListBlobs
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	c.entries[dir] = cachedListing{generation: generation, entries: slices.Clone(entries)}
}

func (c *listingCache) drop(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, dir)
}

// List returns the immediate children of dir in name order. A cached
// listing is reused only while the directory's generation is unchanged.
func (a *Adapter) List(ctx context.Context, dir Inode) ([]DirEntry, error) {
	desc, err := a.loadDir(ctx, dir.Path)
	if err != nil {
		return nil, err
	}
	gen := attributesOf(desc).Generation
	if entries, ok := a.listings.get(dir.Path, gen); ok {
		return entries, nil
	}

	entries, err := a.listChildren(ctx, dir.Path)
	if err != nil {
		return nil, err
	}
	a.listings.put(dir.Path, gen, entries)
	return entries, nil
}

// listChildren pages through the blobs one level below dir.
func (a *Adapter) listChildren(ctx context.Context, dir string) ([]DirEntry, error) {
	prefix := childPrefix(dir)
	filter := core.ListFilter{
		Prefix:  prefix,
		Pattern: "^" + regexp.QuoteMeta(prefix) + "[^/]+$",
		Limit:   listPage,
	}

	var entries []DirEntry
	for {
		page, err := a.client.ListBlobs(ctx, a.vol, filter).Get(ctx)
		if err != nil {
			return nil, fsError(err)
		}
		for _, b := range page.Blobs {
			attrs := attributesOf(b)
			entries = append(entries, DirEntry{
				Name:  path.Base(b.Name),
				Inode: a.inode(b.Name, attrs),
				Attrs: attrs,
			})
		}
		filter.Offset += len(page.Blobs)
		if len(page.Blobs) == 0 || filter.Offset >= page.Total {
			break
		}
	}
	if entries == nil {
		entries = []DirEntry{}
	}
	return entries, nil
}
