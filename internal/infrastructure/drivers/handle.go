package drivers

import (
	"sync"
	"sync/atomic"

	"camwatch/internal/core/ports"
)

// Handle is the ProtocolHandle shared by the drivers. release runs once, on
// the first Teardown.
type Handle struct {
	kind    ports.HandleKind
	release func()
	once    sync.Once
	closed  atomic.Bool
}

func NewHandle(kind ports.HandleKind, release func()) *Handle {
	return &Handle{kind: kind, release: release}
}

func (h *Handle) Kind() ports.HandleKind {
	return h.kind
}

func (h *Handle) Teardown() {
	h.once.Do(func() {
		h.closed.Store(true)
		if h.release != nil {
			h.release()
		}
	})
}

func (h *Handle) Closed() bool {
	return h.closed.Load()
}
