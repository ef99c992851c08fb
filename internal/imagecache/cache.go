// Package imagecache holds decoded component images for the lifetime of a run.
//
// Many manifest lines share components, so each identifier is located and
// decoded once and the result is handed out to every worker that asks for it.
// Entries are never evicted and never mutated after insertion.
package imagecache

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/example/cgmerge/internal/codec"
	"github.com/example/cgmerge/internal/locate"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"
)

// DecodeFunc decodes one component file.
type DecodeFunc func(r io.Reader) (image.Image, codec.Format, error)

// Options configure a Cache.
type Options struct {
	Fs        afero.Fs
	Locator   locate.Locator
	Root      string
	Extension string
	Decode    DecodeFunc
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Decodes int64 `json:"decodes"`
	Entries int64 `json:"entries"`
}

// Cache maps component identifiers to decoded images. Lookups of cached
// entries never block; concurrent first lookups of the same identifier share
// a single locate+decode.
type Cache struct {
	fs      afero.Fs
	locator locate.Locator
	root    string
	ext     string
	decode  DecodeFunc

	entries sync.Map
	group   singleflight.Group

	hits    atomic.Int64
	misses  atomic.Int64
	decodes atomic.Int64
	size    atomic.Int64
}

// New returns an empty cache.
func New(opts Options) (*Cache, error) {
	if opts.Locator == nil {
		return nil, errors.New("imagecache: locator is required")
	}
	ext := strings.TrimPrefix(strings.TrimSpace(opts.Extension), ".")
	if ext == "" {
		return nil, errors.New("imagecache: extension is required")
	}
	fsys := opts.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	decode := opts.Decode
	if decode == nil {
		decode = codec.Decode
	}
	return &Cache{
		fs:      fsys,
		locator: opts.Locator,
		root:    opts.Root,
		ext:     ext,
		decode:  decode,
	}, nil
}

// Get returns the decoded image for id, loading it on first use. Errors wrap
// locate.ErrNotFound or codec.ErrDecode; failed loads are not cached.
func (c *Cache) Get(ctx context.Context, id string) (*image.NRGBA, error) {
	if v, ok := c.entries.Load(id); ok {
		c.hits.Add(1)
		return v.(*image.NRGBA), nil
	}
	c.misses.Add(1)
	ch := c.group.DoChan(id, func() (any, error) {
		// A flight that finished between Load and DoChan already stored it.
		if v, ok := c.entries.Load(id); ok {
			return v, nil
		}
		img, err := c.load(id)
		if err != nil {
			return nil, err
		}
		if _, loaded := c.entries.LoadOrStore(id, img); !loaded {
			c.size.Add(1)
		}
		return img, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*image.NRGBA), nil
	}
}

// Stats reports counters accumulated since New.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Decodes: c.decodes.Load(),
		Entries: c.size.Load(),
	}
}

func (c *Cache) load(id string) (*image.NRGBA, error) {
	name := id + "." + c.ext
	path, err := c.locator.Locate(c.root, name)
	if err != nil {
		return nil, fmt.Errorf("component %s: %w", id, err)
	}
	f, err := c.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open component %s: %w", path, err)
	}
	defer f.Close()
	c.decodes.Add(1)
	img, _, err := c.decode(f)
	if err != nil {
		return nil, fmt.Errorf("component %s (%s): %w", id, path, err)
	}
	return codec.ToNRGBA(img), nil
}
