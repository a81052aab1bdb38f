package pixels

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// Buffer is a region's decoded-on-demand pixel data.
type Buffer struct {
	Frame  int
	Region Region
	Data   []byte
}

// Values decodes the buffer to float64.
func (b *Buffer) Values() ([]float64, error) {
	return Decode(b.Region.Type, b.Data)
}

type cacheKey struct {
	frame  int
	region string
}

type cacheEntry struct {
	key  cacheKey
	buf  *Buffer
	refs int
}

// RegionCache memoizes regions read from a Source. Once it holds more than
// max entries it drops the oldest ones nobody holds a Handle to.
type RegionCache struct {
	src Source
	max int
	log *slog.Logger

	mu     sync.Mutex
	order  *list.List
	index  map[cacheKey]*list.Element
	hits   int
	misses int
}

// NewRegionCache wraps src with a cache of at most max unreferenced entries.
func NewRegionCache(src Source, max int, log *slog.Logger) *RegionCache {
	if max < 1 {
		max = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &RegionCache{
		src:   src,
		max:   max,
		log:   log,
		order: list.New(),
		index: make(map[cacheKey]*list.Element),
	}
}

// Handle keeps a cached buffer alive until Release.
type Handle struct {
	c    *RegionCache
	e    *cacheEntry
	once sync.Once
}

func (h *Handle) Buffer() *Buffer { return h.e.buf }

// Release drops the caller's reference. It is safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.c.mu.Lock()
		h.e.refs--
		h.c.evictLocked()
		h.c.mu.Unlock()
	})
}

// Get returns the cached region, fetching it from the source on a miss.
func (c *RegionCache) Get(ctx context.Context, frame int, r Region) (*Handle, error) {
	key := cacheKey{frame: frame, region: r.key()}

	c.mu.Lock()
	if el, ok := c.index[key]; ok {
		e := el.Value.(*cacheEntry)
		e.refs++
		c.hits++
		c.mu.Unlock()
		return &Handle{c: c, e: e}, nil
	}
	c.misses++
	c.mu.Unlock()

	data, err := c.src.ReadPixels(ctx, frame, r)
	if err != nil {
		return nil, fmt.Errorf("read frame %d: %w", frame, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// another caller may have filled the slot while we were reading
	if el, ok := c.index[key]; ok {
		e := el.Value.(*cacheEntry)
		e.refs++
		return &Handle{c: c, e: e}, nil
	}
	e := &cacheEntry{key: key, buf: &Buffer{Frame: frame, Region: r, Data: data}, refs: 1}
	c.index[key] = c.order.PushBack(e)
	c.evictLocked()
	return &Handle{c: c, e: e}, nil
}

func (c *RegionCache) evictLocked() {
	for el := c.order.Front(); el != nil && c.order.Len() > c.max; {
		next := el.Next()
		e := el.Value.(*cacheEntry)
		if e.refs == 0 {
			c.order.Remove(el)
			delete(c.index, e.key)
			c.log.Debug("evicted pixel region", "frame", e.key.frame, "region", e.key.region)
		}
		el = next
	}
}

// Len returns the number of cached entries.
func (c *RegionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns the hit and miss counters.
func (c *RegionCache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// CachedSource is a Source whose reads go through a RegionCache.
type CachedSource struct {
	Source
	cache *RegionCache
}

// NewCachedSource wraps src with a region cache of max entries.
func NewCachedSource(src Source, max int, log *slog.Logger) *CachedSource {
	return &CachedSource{Source: src, cache: NewRegionCache(src, max, log)}
}

func (s *CachedSource) Cache() *RegionCache { return s.cache }

// ReadPixels returns a copy of the cached region.
func (s *CachedSource) ReadPixels(ctx context.Context, frame int, r Region) ([]byte, error) {
	h, err := s.cache.Get(ctx, frame, r)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	return append([]byte(nil), h.Buffer().Data...), nil
}

// Layer returns the decoded pixels of one layer of frame.
func (s *CachedSource) Layer(ctx context.Context, frame, layer int) (Parameters, []float64, error) {
	p, err := s.ImageParameters(ctx, frame)
	if err != nil {
		return Parameters{}, nil, err
	}
	if layer < 0 || layer >= p.Layers() {
		return Parameters{}, nil, fmt.Errorf("%w: layer %d of %d", ErrInvalidRegion, layer, p.Layers())
	}
	h, err := s.cache.Get(ctx, frame, LayerRegion(p, layer))
	if err != nil {
		return Parameters{}, nil, err
	}
	defer h.Release()
	vals, err := h.Buffer().Values()
	if err != nil {
		return Parameters{}, nil, err
	}
	return p, vals, nil
}

// ImageMatrix returns one layer of frame as a height x width matrix of raw
// pixel values.
func (s *CachedSource) ImageMatrix(ctx context.Context, frame, layer int) (*mat.Dense, error) {
	p, err := s.ImageParameters(ctx, frame)
	if err != nil {
		return nil, err
	}
	switch p.Type {
	case Byte, Long, ULong:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, p.Type)
	}
	_, vals, err := s.Layer(ctx, frame, layer)
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: frame %d is empty", ErrInvalidRegion, frame)
	}
	return mat.NewDense(p.Height(), p.Width(), vals), nil
}
