package arena

import (
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/jpoler/buddy/internal/utils"
	"github.com/jpoler/buddy/memutils"
	"github.com/jpoler/buddy/memutils/metadata"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

// arenaRegion is one backing region reserved from the MemoryProvider. Regions need not be
// contiguous with one another- each is assigned a base in the allocator's address space,
// aligned to the region's own size so the block invariant holds for global addresses too.
type arenaRegion struct {
	id       int
	base     int
	memory   []byte
	metadata metadata.BlockMetadata
}

func (r *arenaRegion) contains(address int) bool {
	return address >= r.base && address < r.base+r.metadata.Size()
}

// Allocator hands out blocks of memory from one or more arena regions reserved from a
// MemoryProvider. Addresses returned from Allocate are offsets into the allocator's
// address space- use Bytes to reach the memory behind an address.
//
// Unless AllocatorCreateExternallySynchronized was specified at create time, all methods
// are safe for concurrent use. The whole allocate/free path runs under one coarse mutex.
type Allocator struct {
	logger   *slog.Logger
	provider MemoryProvider
	flags    CreateFlags
	mutex    utils.OptionalMutex

	initialSize int
	regions     []*arenaRegion
	nextBase    int
}

func (a *Allocator) addRegion(size int) (*arenaRegion, error) {
	size = nextRegionSize(size)

	memory, err := a.provider.Reserve(size)
	if err != nil {
		return nil, err
	}
	if len(memory) != size {
		return nil, errors.Newf("provider reserved %d bytes, but %d were requested", len(memory), size)
	}

	md := metadata.NewBuddyBlockMetadata()
	md.Init(memory)

	region := &arenaRegion{
		id:       len(a.regions),
		base:     memutils.AlignUp(a.nextBase, uint(size)),
		memory:   memory,
		metadata: md,
	}
	a.nextBase = region.base + size
	a.regions = append(a.regions, region)

	a.logger.Debug("arena region reserved",
		slog.Int("id", region.id),
		slog.Int("base", region.base),
		slog.Int("size", size),
	)

	return region, nil
}

// Allocate reserves a block of at least size bytes whose address is divisible by alignment
// and returns that address. alignment must be a power of two. The block's true size is the
// power-of-two size class covering the request, so just under half the block can go unused
// by the caller in the worst case- accepted internal fragmentation, not a leak.
//
// Allocate returns an error wrapping metadata.ErrOutOfRange if no region could ever hold
// the request's size class, and an error wrapping metadata.ErrOutOfMemory if the arena is
// exhausted and growth was not permitted or did not help. Failed requests never mutate the
// arena's registries.
func (a *Allocator) Allocate(size int, alignment uint) (int, error) {
	classSize, err := metadata.SizeClass(size, alignment)
	if err != nil {
		return 0, err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	address, allocErr := a.allocateFromRegions(classSize)
	if allocErr == nil {
		return address, nil
	}

	if a.flags&AllocatorCreateGrowable == 0 {
		return 0, allocErr
	}

	a.logger.Debug("arena cannot satisfy request, attempting growth",
		slog.Int("classSize", classSize),
	)

	growSize := classSize
	if growSize < a.initialSize {
		growSize = a.initialSize
	}

	_, growErr := a.addRegion(growSize)
	if growErr != nil {
		return 0, errors.CombineErrors(allocErr, growErr)
	}

	return a.allocateFromRegions(classSize)
}

// allocateFromRegions walks the regions in reservation order and serves the request from
// the first one that can. classSize is already a power of two covering both the requested
// size and alignment, so within a region no extra alignment handling is needed.
func (a *Allocator) allocateFromRegions(classSize int) (int, error) {
	canEverSatisfy := false

	for _, region := range a.regions {
		if region.metadata.Size() < classSize {
			continue
		}
		canEverSatisfy = true

		if !region.metadata.MayHaveFreeBlock(classSize, 1) {
			continue
		}

		offset, err := region.metadata.Allocate(classSize, 1)
		if err != nil {
			if errors.Is(err, metadata.ErrOutOfMemory) {
				continue
			}
			return 0, err
		}

		return region.base + offset, nil
	}

	if !canEverSatisfy {
		return 0, errors.Wrapf(metadata.ErrOutOfRange, "class size %d exceeds every arena region", classSize)
	}

	return 0, errors.Wrapf(metadata.ErrOutOfMemory, "class size %d", classSize)
}

// Free returns the block at address to the arena. size and alignment must exactly match
// the Allocate call that produced the address.
func (a *Allocator) Free(address, size int, alignment uint) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	region := a.regionAt(address)
	if region == nil {
		return errors.Newf("address %d is not within any arena region", address)
	}

	return region.metadata.Free(address-region.base, size, alignment)
}

// Bytes returns the memory behind an allocated block as a slice of exactly size bytes.
// The slice aliases arena memory and must not be used after the block is freed.
func (a *Allocator) Bytes(address, size int) ([]byte, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	region := a.regionAt(address)
	if region == nil {
		return nil, errors.Newf("address %d is not within any arena region", address)
	}

	offset := address - region.base
	if offset+size > len(region.memory) {
		return nil, errors.Newf("range [%d, %d) extends past the end of its arena region", address, address+size)
	}

	return region.memory[offset : offset+size : offset+size], nil
}

func (a *Allocator) regionAt(address int) *arenaRegion {
	for _, region := range a.regions {
		if region.contains(address) {
			return region
		}
	}

	return nil
}

// Validate performs internal consistency checks on every region. When the allocator is
// functioning correctly, it should not be possible for this method to return an error.
func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for _, region := range a.regions {
		if region.base%region.metadata.Size() != 0 {
			return errors.Newf("region %d sits at base %d, which is not aligned to its %d-byte size", region.id, region.base, region.metadata.Size())
		}

		err := region.metadata.Validate()
		if err != nil {
			return errors.Wrapf(err, "region %d", region.id)
		}
	}

	return nil
}

// CalculateStatistics populates stats with basic allocation data summed across all regions
func (a *Allocator) CalculateStatistics(stats *memutils.Statistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats.Clear()
	for _, region := range a.regions {
		region.metadata.AddStatistics(stats)
	}
}

// AddDetailedStatistics sums allocation and free-range data for all regions into the
// statistics currently present in stats
func (a *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for _, region := range a.regions {
		region.metadata.AddDetailedStatistics(stats)
	}
}

// BuildStatsString returns a json string with data about the current state of the arena.
// If detailedMap is true, a full accounting of every free block and allocated span in
// every region is included.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var stats memutils.DetailedStatistics
	stats.Clear()
	for _, region := range a.regions {
		region.metadata.AddDetailedStatistics(&stats)
	}

	writer := jwriter.NewWriter()
	obj := writer.Object()

	general := obj.Name("General").Object()
	general.Name("Regions").Int(len(a.regions))
	general.Name("TotalBytes").Int(stats.BlockBytes)
	general.Name("AllocationBytes").Int(stats.AllocationBytes)
	general.Name("AllocationCount").Int(stats.AllocationCount)
	general.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)
	general.End()

	if detailedMap {
		detailObj := obj.Name("DetailedMap").Object()

		for _, region := range a.regions {
			regionObj := detailObj.Name(strconv.Itoa(region.id)).Object()
			regionObj.Name("Base").Int(region.base)
			region.metadata.BlockJsonData(regionObj)
			printDetailedMapRegions(region.metadata, regionObj)
			regionObj.End()
		}

		detailObj.End()
	}

	obj.End()
	return string(writer.Bytes())
}

func printDetailedMapRegions(md metadata.BlockMetadata, json jwriter.ObjectState) {
	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	_ = md.VisitAllRegions(func(offset, size int, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		regionType := "ALLOCATED"
		if free {
			regionType = "FREE"
		}

		obj.Name("Offset").Int(offset)
		obj.Name("Type").String(regionType)
		obj.Name("Size").Int(size)

		return nil
	})
}

// DebugLogAllAllocations logs every allocated span in every region through the
// allocator's logger
func (a *Allocator) DebugLogAllAllocations() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for _, region := range a.regions {
		regionID := region.id
		region.metadata.DebugLogAllAllocations(a.logger,
			func(log *slog.Logger, offset int, size int) {
				log.Debug("allocated span",
					slog.Int("region", regionID),
					slog.Int("offset", offset),
					slog.Int("size", size),
				)
			})
	}
}
