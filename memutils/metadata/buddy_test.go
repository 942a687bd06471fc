package metadata_test

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/jpoler/buddy/memutils"
	"github.com/jpoler/buddy/memutils/metadata"
	"github.com/stretchr/testify/require"
)

type regionSpan struct {
	offset int
	size   int
	free   bool
}

func newRegion(t *testing.T, size int) *metadata.BuddyBlockMetadata {
	t.Helper()

	md := metadata.NewBuddyBlockMetadata()
	md.Init(make([]byte, size))
	require.NoError(t, md.Validate())

	return md
}

func collectSpans(t *testing.T, md metadata.BlockMetadata) []regionSpan {
	t.Helper()

	var spans []regionSpan
	err := md.VisitAllRegions(func(offset, size int, free bool) error {
		spans = append(spans, regionSpan{offset: offset, size: size, free: free})
		return nil
	})
	require.NoError(t, err)

	return spans
}

// freeBlocks returns the registry's blocks as offset/size pairs in ascending offset
// order, which serves as a canonical form for comparing registry states.
func freeBlocks(t *testing.T, md metadata.BlockMetadata) []regionSpan {
	t.Helper()

	var blocks []regionSpan
	for _, span := range collectSpans(t, md) {
		if span.free {
			blocks = append(blocks, span)
		}
	}

	return blocks
}

func TestBuddyBasicAllocate(t *testing.T) {
	md := newRegion(t, 1024)

	var stats memutils.DetailedStatistics
	stats.Clear()
	md.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1024,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		UnusedRangeSizeMin: 1024,
		UnusedRangeSizeMax: 1024,
	}, stats)

	offset, err := md.Allocate(100, 1)
	require.NoError(t, err)
	require.Equal(t, 0, offset)
	require.NoError(t, md.Validate())

	// 100 bytes round up to a 128-byte class; the remaining 896 bytes must be the
	// binary subdivision 128+256+512, not a single unsegmented leftover
	require.Equal(t, []regionSpan{
		{offset: 128, size: 128, free: true},
		{offset: 256, size: 256, free: true},
		{offset: 512, size: 512, free: true},
	}, freeBlocks(t, md))

	stats.Clear()
	md.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1024,
			AllocationCount: 1,
			AllocationBytes: 128,
		},
		UnusedRangeCount:   3,
		UnusedRangeSizeMin: 128,
		UnusedRangeSizeMax: 512,
	}, stats)

	err = md.Free(offset, 100, 1)
	require.NoError(t, err)
	require.NoError(t, md.Validate())
	require.True(t, md.IsEmpty())

	stats.Clear()
	md.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1024,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		UnusedRangeSizeMin: 1024,
		UnusedRangeSizeMax: 1024,
	}, stats)
}

func TestBuddyMinimumSizeClass(t *testing.T) {
	md := newRegion(t, 1024)

	offset, err := md.Allocate(1, 1)
	require.NoError(t, err)
	require.Equal(t, 0, offset%16)

	// A single byte consumes one 16-byte block; the complement is the full binary
	// subdivision of the remaining 1008 bytes
	require.Equal(t, []regionSpan{
		{offset: 16, size: 16, free: true},
		{offset: 32, size: 32, free: true},
		{offset: 64, size: 64, free: true},
		{offset: 128, size: 128, free: true},
		{offset: 256, size: 256, free: true},
		{offset: 512, size: 512, free: true},
	}, freeBlocks(t, md))

	require.Equal(t, 1008, md.SumFreeSize())
	require.Equal(t, 6, md.FreeRegionsCount())
	require.Equal(t, 1, md.AllocationCount())
}

func TestBuddyMergesBuddies(t *testing.T) {
	md := newRegion(t, 64)

	var offsets []int
	for i := 0; i < 4; i++ {
		offset, err := md.Allocate(16, 1)
		require.NoError(t, err)
		offsets = append(offsets, offset)
	}
	require.ElementsMatch(t, []int{0, 16, 32, 48}, offsets)
	require.Equal(t, 0, md.SumFreeSize())

	// 0 and 16 are buddies: same size, adjacent, lower offset divisible by 32
	require.NoError(t, md.Free(0, 16, 1))
	require.Equal(t, []regionSpan{
		{offset: 0, size: 16, free: true},
	}, freeBlocks(t, md))

	require.NoError(t, md.Free(16, 16, 1))
	require.Equal(t, []regionSpan{
		{offset: 0, size: 32, free: true},
	}, freeBlocks(t, md))

	// Freeing the rest cascades all the way back to the whole region
	require.NoError(t, md.Free(48, 16, 1))
	require.NoError(t, md.Free(32, 16, 1))
	require.Equal(t, []regionSpan{
		{offset: 0, size: 64, free: true},
	}, freeBlocks(t, md))
	require.True(t, md.IsEmpty())
	require.NoError(t, md.Validate())
}

func TestBuddyDoesNotMergeNonBuddies(t *testing.T) {
	md := newRegion(t, 64)

	for i := 0; i < 4; i++ {
		_, err := md.Allocate(16, 1)
		require.NoError(t, err)
	}

	// 16 and 32 touch and have the same size, but they are not buddies: merging them
	// would produce a 32-byte block at offset 16, which is not 32-byte aligned
	require.NoError(t, md.Free(16, 16, 1))
	require.NoError(t, md.Free(32, 16, 1))

	require.Equal(t, []regionSpan{
		{offset: 16, size: 16, free: true},
		{offset: 32, size: 16, free: true},
	}, freeBlocks(t, md))
	require.Equal(t, 2, md.FreeRegionsCount())
	require.NoError(t, md.Validate())
}

func TestBuddyRoundTripRestoresRegistry(t *testing.T) {
	md := newRegion(t, 1024)

	_, err := md.Allocate(100, 1)
	require.NoError(t, err)
	_, err = md.Allocate(30, 4)
	require.NoError(t, err)

	snapshot := freeBlocks(t, md)

	offset, err := md.Allocate(60, 32)
	require.NoError(t, err)
	require.Equal(t, 0, offset%32)

	require.NoError(t, md.Free(offset, 60, 32))
	require.Equal(t, snapshot, freeBlocks(t, md))
	require.NoError(t, md.Validate())
}

func TestBuddyOutOfRange(t *testing.T) {
	md := newRegion(t, 1024)

	before := freeBlocks(t, md)

	_, err := md.Allocate(2048, 1)
	require.Error(t, err)
	require.True(t, errors.Is(err, metadata.ErrOutOfRange))

	_, err = md.Allocate(10, 2048)
	require.Error(t, err)
	require.True(t, errors.Is(err, metadata.ErrOutOfRange))

	// Failed requests must not mutate the registry
	require.Equal(t, before, freeBlocks(t, md))
	require.NoError(t, md.Validate())
}

func TestBuddyExhaustion(t *testing.T) {
	md := newRegion(t, 256)

	var offsets []int
	for i := 0; i < 16; i++ {
		offset, err := md.Allocate(16, 1)
		require.NoError(t, err)
		require.Equal(t, 0, offset%16)
		offsets = append(offsets, offset)
	}

	require.Equal(t, 0, md.SumFreeSize())
	require.Equal(t, 16, md.AllocationCount())

	_, err := md.Allocate(16, 1)
	require.Error(t, err)
	require.True(t, errors.Is(err, metadata.ErrOutOfMemory))
	require.NoError(t, md.Validate())

	// A previously successful allocation still frees and coalesces correctly after the
	// failure
	require.NoError(t, md.Free(offsets[3], 16, 1))
	require.Equal(t, 16, md.SumFreeSize())

	offset, err := md.Allocate(16, 1)
	require.NoError(t, err)
	require.Equal(t, offsets[3], offset)

	for _, offset := range offsets {
		require.NoError(t, md.Free(offset, 16, 1))
	}

	require.Equal(t, []regionSpan{
		{offset: 0, size: 256, free: true},
	}, freeBlocks(t, md))
}

func TestBuddyFailedSearchLeavesRegistryUntouched(t *testing.T) {
	md := newRegion(t, 256)

	_, err := md.Allocate(200, 1)
	require.NoError(t, err)

	before := freeBlocks(t, md)

	_, err = md.Allocate(64, 1)
	require.Error(t, err)
	require.True(t, errors.Is(err, metadata.ErrOutOfMemory))
	require.Equal(t, before, freeBlocks(t, md))
}

func TestBuddyAlignmentAndOverlap(t *testing.T) {
	md := newRegion(t, 4096)

	type liveAlloc struct {
		offset    int
		classSize int
		size      int
		alignment uint
	}

	var live []liveAlloc
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 20; i++ {
		size := rng.Intn(200) + 1
		alignment := uint(1) << rng.Intn(7)

		classSize, err := metadata.SizeClass(size, alignment)
		require.NoError(t, err)

		offset, err := md.Allocate(size, alignment)
		if err != nil {
			require.True(t, errors.Is(err, metadata.ErrOutOfMemory))
			break
		}

		require.Equalf(t, 0, offset%int(alignment), "offset %d is not divisible by alignment %d", offset, alignment)
		require.Equal(t, 0, offset%classSize)

		for _, other := range live {
			disjoint := offset+classSize <= other.offset || other.offset+other.classSize <= offset
			require.Truef(t, disjoint, "allocation at offset %d overlaps the allocation at offset %d", offset, other.offset)
		}

		live = append(live, liveAlloc{offset: offset, classSize: classSize, size: size, alignment: alignment})
		require.NoError(t, md.Validate())
	}

	for _, alloc := range live {
		require.NoError(t, md.Free(alloc.offset, alloc.size, alloc.alignment))
		require.NoError(t, md.Validate())
	}

	require.Equal(t, []regionSpan{
		{offset: 0, size: 4096, free: true},
	}, freeBlocks(t, md))
}

func TestBuddyCoalescingLeavesNothingMergeable(t *testing.T) {
	md := newRegion(t, 1<<14)

	type liveAlloc struct {
		offset int
		size   int
	}

	rng := rand.New(rand.NewSource(7))
	var live []liveAlloc

	for {
		size := rng.Intn(500) + 1
		offset, err := md.Allocate(size, 1)
		if err != nil {
			require.True(t, errors.Is(err, metadata.ErrOutOfMemory))
			break
		}
		live = append(live, liveAlloc{offset: offset, size: size})
	}

	rng.Shuffle(len(live), func(i, j int) {
		live[i], live[j] = live[j], live[i]
	})

	// Validate fails if the registry ever holds a mergeable buddy pair, so checking it
	// after every free shows a single merge pass per call reaches the fixed point
	for _, alloc := range live {
		require.NoError(t, md.Free(alloc.offset, alloc.size, 1))
		require.NoError(t, md.Validate())
	}

	require.Equal(t, []regionSpan{
		{offset: 0, size: 1 << 14, free: true},
	}, freeBlocks(t, md))
}

func TestBuddyVisitAllRegionsMergesAllocatedSpans(t *testing.T) {
	md := newRegion(t, 64)

	_, err := md.Allocate(16, 1)
	require.NoError(t, err)
	_, err = md.Allocate(16, 1)
	require.NoError(t, err)

	// Non-free spans carry no per-allocation metadata, so the two 16-byte allocations
	// surface as one 32-byte span
	require.Equal(t, []regionSpan{
		{offset: 0, size: 32, free: false},
		{offset: 32, size: 32, free: true},
	}, collectSpans(t, md))
}

func TestBuddyMayHaveFreeBlock(t *testing.T) {
	md := newRegion(t, 1024)

	require.True(t, md.MayHaveFreeBlock(1024, 1))
	require.False(t, md.MayHaveFreeBlock(1025, 1))

	_, err := md.Allocate(16, 1)
	require.NoError(t, err)

	// The whole-region block was split, so a full-region request can no longer succeed
	require.False(t, md.MayHaveFreeBlock(1024, 1))
	require.True(t, md.MayHaveFreeBlock(512, 1))
	require.True(t, md.MayHaveFreeBlock(16, 16))
}

func TestBuddyFreeParameterValidation(t *testing.T) {
	md := newRegion(t, 1024)

	offset, err := md.Allocate(100, 1)
	require.NoError(t, err)

	require.Error(t, md.Free(-16, 100, 1))
	require.Error(t, md.Free(2048, 100, 1))
	require.Error(t, md.Free(offset+8, 100, 1))

	require.NoError(t, md.Free(offset, 100, 1))
}

func TestBuddyClear(t *testing.T) {
	md := newRegion(t, 1024)

	for i := 0; i < 5; i++ {
		_, err := md.Allocate(50, 1)
		require.NoError(t, err)
	}
	require.False(t, md.IsEmpty())

	md.Clear()

	require.True(t, md.IsEmpty())
	require.Equal(t, 1024, md.SumFreeSize())
	require.Equal(t, []regionSpan{
		{offset: 0, size: 1024, free: true},
	}, freeBlocks(t, md))
	require.NoError(t, md.Validate())
}

func TestBuddyInitRequiresPowerOfTwoRegion(t *testing.T) {
	require.Panics(t, func() {
		metadata.NewBuddyBlockMetadata().Init(make([]byte, 1000))
	})
	require.Panics(t, func() {
		metadata.NewBuddyBlockMetadata().Init(make([]byte, 8))
	})
}

func TestBuddyStatisticsMatchDetailedStatistics(t *testing.T) {
	md := newRegion(t, 2048)

	for i := 0; i < 3; i++ {
		_, err := md.Allocate(100, 1)
		require.NoError(t, err)
	}

	var stats memutils.Statistics
	stats.Clear()
	md.AddStatistics(&stats)

	var detailed memutils.DetailedStatistics
	detailed.Clear()
	md.AddDetailedStatistics(&detailed)

	require.Equal(t, stats, detailed.Statistics)
	require.Equal(t, md.FreeRegionsCount(), detailed.UnusedRangeCount)
	require.NotEqual(t, math.MaxInt, detailed.UnusedRangeSizeMin)
}
