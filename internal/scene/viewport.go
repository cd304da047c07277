package scene

import "sync"

// Viewport is a container whose size is reported by a remote client. It
// signals layout readiness the first time both dimensions are nonzero.
type Viewport struct {
	mu    sync.Mutex
	w, h  int
	ready chan struct{}
	once  sync.Once
}

func NewViewport(width, height int) *Viewport {
	v := &Viewport{ready: make(chan struct{})}
	v.Set(width, height)
	return v
}

// Set records the client's container size and reports whether it changed.
// Negative dimensions are treated as zero.
func (v *Viewport) Set(width, height int) bool {
	width, height = max(width, 0), max(height, 0)

	v.mu.Lock()
	changed := v.w != width || v.h != height
	v.w, v.h = width, height
	v.mu.Unlock()

	if width > 0 && height > 0 {
		v.once.Do(func() { close(v.ready) })
	}
	return changed
}

func (v *Viewport) Size() (int, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.w, v.h
}

func (v *Viewport) LayoutReady() <-chan struct{} { return v.ready }
