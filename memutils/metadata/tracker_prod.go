//go:build !debug_mem_utils

package metadata

// liveAllocationTracker records every outstanding allocation so that double frees and
// mismatched free parameters panic instead of silently corrupting the registry. The
// tracker only exists in builds with the debug_mem_utils tag- the production core keeps
// no metadata at all for allocated memory.
type liveAllocationTracker struct{}

func (t *liveAllocationTracker) allocated(offset, classSize int) {
}

func (t *liveAllocationTracker) freed(offset, classSize int) {
}

func (t *liveAllocationTracker) clear() {
}
