package master

import (
	"sync"

	"skyreduce/pkg/fitsframe"
)

type frameCache struct {
	mu     sync.Mutex
	frames map[string]*fitsframe.Frame
}

func newFrameCache() *frameCache {
	return &frameCache{frames: make(map[string]*fitsframe.Frame)}
}

// get returns the cached frame for path, loading it on a miss. Failed loads
// are not cached.
func (c *frameCache) get(path string, load func() (*fitsframe.Frame, error)) (*fitsframe.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.frames[path]; ok {
		return f, nil
	}
	f, err := load()
	if err != nil {
		return nil, err
	}
	c.frames[path] = f
	return f, nil
}

func (c *frameCache) reset() {
	c.mu.Lock()
	c.frames = make(map[string]*fitsframe.Frame)
	c.mu.Unlock()
}
