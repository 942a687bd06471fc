package metadata

import (
	"github.com/jpoler/buddy/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

// BlockMetadata manages the free space of a single arena region. It tracks which parts of
// the region are free and which have been handed out, allowing allocations to be requested
// and returned, as well as enumerated and queried.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. It hands the implementation the
	// backing memory of the region it will manage. The implementation owns every byte of the
	// slice until that byte is inside an outstanding allocation.
	Init(memory []byte)
	// Size retrieves the size in bytes of the region the metadata was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. These checks may be
	// expensive, depending on the implementation. When the implementation is functioning
	// correctly, it should not be possible for this method to return an error, but this may
	// assist in diagnosing issues with the implementation.
	Validate() error
	// AllocationCount returns the number of allocations currently live in the region. This
	// number should generally be the number of successful allocations minus the number of
	// successful frees.
	AllocationCount() int
	// FreeRegionsCount returns the number of unique regions of free memory in the region
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes of memory in the region
	SumFreeSize() int
	// MayHaveFreeBlock is a fast heuristic indicating whether the region could possibly
	// support a new allocation with the provided size and alignment. False positives are
	// acceptable, false negatives are not.
	MayHaveFreeBlock(size int, alignment uint) bool

	// IsEmpty will return true if this region has no live allocations
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each free block and each
	// allocated span in the region, in ascending offset order. Depending on implementation,
	// adjacent allocations may be reported as a single span.
	VisitAllRegions(handleRegion func(offset, size int, free bool) error) error

	// AddDetailedStatistics sums this region's allocation statistics into the statistics
	// currently present in the provided memutils.DetailedStatistics object.
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this region's allocation statistics into the statistics currently
	// present in the provided memutils.Statistics object.
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all allocations and returns the region to its freshly
	// initialized state
	Clear()
	// DebugLogAllAllocations calls logFunc for every allocated span in the region
	DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int))
	// BlockJsonData populates a json object with information about this region
	BlockJsonData(json jwriter.ObjectState)

	// Allocate reserves a block of at least size bytes whose offset is divisible by
	// alignment and returns that offset. alignment must be a power of two. The returned
	// block leaves the implementation's bookkeeping entirely until it is handed back
	// via Free.
	//
	// Allocate returns an error wrapping ErrOutOfRange if no region of this size could ever
	// satisfy the request, and an error wrapping ErrOutOfMemory if the region's current free
	// space cannot. Neither failure mutates the metadata.
	Allocate(size int, alignment uint) (int, error)
	// Free returns a block to the region. offset, size, and alignment must exactly match a
	// prior successful Allocate call. Behavior under mismatched parameters or double frees
	// is undefined, though builds with the debug_mem_utils tag make an effort to detect
	// both.
	Free(offset, size int, alignment uint) error
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for
// BlockMetadata implementations in this module.
type BlockMetadataBase struct {
	size int
}

// Init sizes the region in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the region in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// BlockJsonData populates a json object with information about this region
func (m *BlockMetadataBase) BlockJsonData(json jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
