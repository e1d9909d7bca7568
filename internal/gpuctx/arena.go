package gpuctx

// Arena is the private memory area of one context. Buffers handed out by
// Alloc stay reachable until Destroy so result materialization can rely on
// context lifetime. Single-owner; the context serializes access.
type Arena struct {
	chunks    [][]byte
	cleanups  []func()
	destroyed bool
}

func NewArena() *Arena {
	return &Arena{}
}

// Alloc returns a zeroed buffer of n bytes owned by the arena.
func (a *Arena) Alloc(n int) []byte {
	if a.destroyed {
		panic("gpuctx: allocation from a destroyed arena")
	}
	buf := make([]byte, n)
	a.chunks = append(a.chunks, buf)
	return buf
}

// OnDestroy registers fn to run when the arena is destroyed. Callbacks run
// in reverse registration order.
func (a *Arena) OnDestroy(fn func()) {
	a.cleanups = append(a.cleanups, fn)
}

// Destroy runs the cleanups and releases every allocation. Idempotent.
func (a *Arena) Destroy() {
	if a.destroyed {
		return
	}
	a.destroyed = true
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
	a.chunks = nil
}

// Destroyed reports whether Destroy has run.
func (a *Arena) Destroyed() bool { return a.destroyed }
