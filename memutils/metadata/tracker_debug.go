//go:build debug_mem_utils

package metadata

import (
	"fmt"

	"github.com/dolthub/swiss"
)

// liveAllocationTracker records every outstanding allocation so that double frees and
// mismatched free parameters panic instead of silently corrupting the registry. The
// tracker only exists in builds with the debug_mem_utils tag- the production core keeps
// no metadata at all for allocated memory.
type liveAllocationTracker struct {
	live *swiss.Map[uint64, int]
}

func (t *liveAllocationTracker) allocated(offset, classSize int) {
	if t.live == nil {
		t.live = swiss.NewMap[uint64, int](42)
	}

	if _, present := t.live.Get(uint64(offset)); present {
		panic(fmt.Sprintf("allocation at offset %d handed out twice", offset))
	}
	t.live.Put(uint64(offset), classSize)
}

func (t *liveAllocationTracker) freed(offset, classSize int) {
	var liveSize int
	var present bool
	if t.live != nil {
		liveSize, present = t.live.Get(uint64(offset))
	}

	if !present {
		panic(fmt.Sprintf("double or invalid free at offset %d", offset))
	}
	if liveSize != classSize {
		panic(fmt.Sprintf("free at offset %d resolved to size class %d, but the allocation was made with size class %d", offset, classSize, liveSize))
	}

	t.live.Delete(uint64(offset))
}

func (t *liveAllocationTracker) clear() {
	t.live = nil
}
