package register

import "sync"

// ImgData is the detection state of one frame. Reference ImgData is never
// modified after it is added as a reference.
type ImgData struct {
	Frame     int
	Width     int
	Height    int
	Reference bool
	Keypoints []Keypoint
	Desc      Descriptors
	Matches   []Match
}

// withMatches returns a shallow copy carrying matches.
func (d *ImgData) withMatches(m []Match) *ImgData {
	cp := *d
	cp.Matches = m
	return &cp
}

// FeatureCache memoizes ImgData per frame.
type FeatureCache struct {
	mu    sync.RWMutex
	items map[int]*ImgData
}

func NewFeatureCache() *FeatureCache {
	return &FeatureCache{items: make(map[int]*ImgData)}
}

func (c *FeatureCache) Get(frame int) (*ImgData, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.items[frame]
	return d, ok
}

// Put replaces the entry of d.Frame.
func (c *FeatureCache) Put(d *ImgData) {
	c.mu.Lock()
	c.items[d.Frame] = d
	c.mu.Unlock()
}

func (c *FeatureCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
