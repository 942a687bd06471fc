package metadata

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/jpoler/buddy/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// NoBlock is the offset value that terminates the free block registry chain
const NoBlock = -1

// BuddyBlockMetadata manages a region as a binary buddy system. Every block it produces has
// a power-of-two size and sits at an offset divisible by that size, which is the invariant
// that lets SizeClass fold size and alignment into a single number.
//
// Free blocks are tracked by an unordered singly-linked registry threaded through the free
// blocks' own bytes: the first two words of a free block hold the offset of the next free
// block and a copy of the block's own size. No metadata exists outside the region itself,
// so a region's bookkeeping overhead is zero while it is fully allocated.
//
// Allocation is first-fit over the registry chain followed by binary subdivision of the
// chosen block. Every free attempts to merge the returned block with its buddy at each
// size class on the way up. Both operations are O(registry length); the registry is not
// ordered and is always rescanned from its head.
type BuddyBlockMetadata struct {
	BlockMetadataBase

	memory []byte

	freeHead        int
	allocCount      int
	blocksFreeCount int
	blocksFreeSize  int

	// Per-class bookkeeping for the registry. These never influence placement (the chain
	// scan does), they only serve MayHaveFreeBlock, Validate, and statistics.
	freeClassBitmap uint64
	freeClassCounts [maxSizeClasses]int

	tracker liveAllocationTracker
}

var _ BlockMetadata = &BuddyBlockMetadata{}

func NewBuddyBlockMetadata() *BuddyBlockMetadata {
	return &BuddyBlockMetadata{
		freeHead: NoBlock,
	}
}

// Init hands the metadata the backing memory of the region it will manage and installs the
// whole region as the registry's sole free block. The region's length must be a power of
// two no smaller than MinBlockSize.
func (m *BuddyBlockMetadata) Init(memory []byte) {
	if len(memory) < MinBlockSize {
		panic(fmt.Sprintf("region of %d bytes cannot hold even one %d-byte block", len(memory), MinBlockSize))
	}
	if err := memutils.CheckPow2(uint(len(memory)), "region size"); err != nil {
		panic(err)
	}

	m.BlockMetadataBase.Init(len(memory))
	m.memory = memory
	m.freeHead = NoBlock
	m.insertFreeBlock(0, len(memory))
}

func (m *BuddyBlockMetadata) readFreeHeader(offset int) (next, size int) {
	nextWord := binary.LittleEndian.Uint64(m.memory[offset:])
	sizeWord := binary.LittleEndian.Uint64(m.memory[offset+8:])

	next = NoBlock
	if nextWord != math.MaxUint64 {
		next = int(nextWord)
	}

	return next, int(sizeWord)
}

func (m *BuddyBlockMetadata) writeFreeHeader(offset, next, size int) {
	nextWord := uint64(math.MaxUint64)
	if next != NoBlock {
		nextWord = uint64(next)
	}

	binary.LittleEndian.PutUint64(m.memory[offset:], nextWord)
	binary.LittleEndian.PutUint64(m.memory[offset+8:], uint64(size))
}

// insertFreeBlock writes a free-block header at offset and pushes the block onto the head
// of the registry chain.
func (m *BuddyBlockMetadata) insertFreeBlock(offset, size int) {
	m.writeFreeHeader(offset, m.freeHead, size)
	m.freeHead = offset

	m.blocksFreeCount++
	m.blocksFreeSize += size

	class := sizeToClass(size)
	m.freeClassCounts[class]++
	m.freeClassBitmap |= 1 << class

	if memutils.DebugMargin > 0 && size >= freeBlockHeaderSize+memutils.DebugMargin {
		memutils.WriteMagicValue(m.memory, offset+freeBlockHeaderSize)
	}
}

// unlinkFreeBlock removes the block at offset from the registry chain and clears its header
// in place. prev must be the offset of the chain entry whose next link points at offset, or
// NoBlock when offset is the chain head.
func (m *BuddyBlockMetadata) unlinkFreeBlock(prev, offset, size int) {
	next, _ := m.readFreeHeader(offset)

	if prev == NoBlock {
		m.freeHead = next
	} else {
		prevNext, prevSize := m.readFreeHeader(prev)
		if prevNext != offset {
			panic(fmt.Sprintf("free block at offset %d does not link to the block at offset %d", prev, offset))
		}
		m.writeFreeHeader(prev, next, prevSize)
	}

	if memutils.DebugMargin > 0 && size >= freeBlockHeaderSize+memutils.DebugMargin &&
		!memutils.ValidateMagicValue(m.memory, offset+freeBlockHeaderSize) {
		panic(fmt.Sprintf("free block at offset %d was modified while it sat in the registry", offset))
	}

	binary.LittleEndian.PutUint64(m.memory[offset:], 0)
	binary.LittleEndian.PutUint64(m.memory[offset+8:], 0)

	m.blocksFreeCount--
	m.blocksFreeSize -= size

	class := sizeToClass(size)
	m.freeClassCounts[class]--
	if m.freeClassCounts[class] == 0 {
		m.freeClassBitmap &= ^(uint64(1) << class)
	}
}

// Allocate reserves a block for the requested size and alignment and returns its offset
// within the region. The first registry entry whose size reaches the request's size class
// is unlinked and then repeatedly halved- the lower half stays the candidate, the upper
// half rejoins the registry as a new free block- until the candidate matches the class
// exactly. A failed search leaves the registry untouched.
func (m *BuddyBlockMetadata) Allocate(size int, alignment uint) (int, error) {
	classSize, err := SizeClass(size, alignment)
	if err != nil {
		return 0, err
	}

	if classSize > m.Size() {
		return 0, errors.Wrapf(ErrOutOfRange, "class size %d exceeds the %d-byte region", classSize, m.Size())
	}

	memutils.DebugValidate(m)

	prev := NoBlock
	for offset := m.freeHead; offset != NoBlock; {
		next, blockSize := m.readFreeHeader(offset)
		if blockSize < classSize {
			prev = offset
			offset = next
			continue
		}

		m.unlinkFreeBlock(prev, offset, blockSize)

		for blockSize > classSize {
			blockSize >>= 1
			m.insertFreeBlock(offset+blockSize, blockSize)
		}

		m.allocCount++
		m.tracker.allocated(offset, classSize)
		memutils.DebugValidate(m)
		return offset, nil
	}

	return 0, errors.Wrapf(ErrOutOfMemory, "class size %d, largest free class %d", classSize, m.largestFreeClassSize())
}

// Free returns the block at offset to the registry. size and alignment must match the
// Allocate call that produced the offset, since the block's size class is recomputed from
// them rather than recovered from memory.
//
// Before the block rejoins the registry it is merged with its buddy at each size class for
// as long as that buddy is free: the buddy of a block of size s is the unique neighbor at
// offset XOR s, the only same-sized neighbor whose merger yields a block that still sits at
// an offset divisible by its doubled size. An adjacent same-sized free neighbor that is not
// the buddy is never merged. Merging runs on every call rather than being deferred or
// batched, trading throughput for a registry that never holds a mergeable pair.
func (m *BuddyBlockMetadata) Free(offset, size int, alignment uint) error {
	classSize, err := SizeClass(size, alignment)
	if err != nil {
		return err
	}

	if offset < 0 || offset+classSize > m.Size() {
		return errors.Errorf("block at offset %d with class size %d is not within the %d-byte region", offset, classSize, m.Size())
	}
	if offset&(classSize-1) != 0 {
		return errors.Errorf("offset %d is not aligned to its %d-byte size class", offset, classSize)
	}

	m.tracker.freed(offset, classSize)
	memutils.DebugValidate(m)

	for classSize < m.Size() {
		buddy := offset ^ classSize
		if !m.removeFreeBlockAt(buddy, classSize) {
			break
		}

		if buddy < offset {
			offset = buddy
		}
		classSize <<= 1
	}

	m.insertFreeBlock(offset, classSize)
	m.allocCount--
	memutils.DebugValidate(m)
	return nil
}

// removeFreeBlockAt unlinks the free block at exactly the target offset, if the registry
// holds one of exactly the given size. Registry membership is what makes the check safe:
// the size word at an arbitrary offset may be caller data that merely resembles a header.
func (m *BuddyBlockMetadata) removeFreeBlockAt(target, size int) bool {
	if m.freeClassCounts[sizeToClass(size)] == 0 {
		return false
	}

	prev := NoBlock
	for offset := m.freeHead; offset != NoBlock; {
		next, blockSize := m.readFreeHeader(offset)
		if offset == target {
			if blockSize != size {
				return false
			}
			m.unlinkFreeBlock(prev, offset, blockSize)
			return true
		}

		prev = offset
		offset = next
	}

	return false
}

func (m *BuddyBlockMetadata) largestFreeClassSize() int {
	if m.freeClassBitmap == 0 {
		return 0
	}
	return 1 << (63 - bits.LeadingZeros64(m.freeClassBitmap))
}

func (m *BuddyBlockMetadata) AllocationCount() int {
	return m.allocCount
}

func (m *BuddyBlockMetadata) FreeRegionsCount() int {
	return m.blocksFreeCount
}

func (m *BuddyBlockMetadata) SumFreeSize() int {
	return m.blocksFreeSize
}

func (m *BuddyBlockMetadata) IsEmpty() bool {
	return m.allocCount == 0
}

func (m *BuddyBlockMetadata) MayHaveFreeBlock(size int, alignment uint) bool {
	classSize, err := SizeClass(size, alignment)
	if err != nil || classSize > m.Size() {
		return false
	}

	return m.freeClassBitmap&(math.MaxUint64<<sizeToClass(classSize)) != 0
}

func (m *BuddyBlockMetadata) Validate() error {
	if m.memory == nil {
		return errors.New("metadata has not been initialized")
	}
	if m.SumFreeSize() > m.Size() {
		return errors.New("invalid metadata free size")
	}
	if m.allocCount < 0 {
		return errors.Errorf("allocation count is %d", m.allocCount)
	}

	var freeCount, freeSize int
	var classCounts [maxSizeClasses]int
	blockSizes := make(map[int]int, m.blocksFreeCount)

	for offset := m.freeHead; offset != NoBlock; {
		if offset < 0 || offset+freeBlockHeaderSize > m.Size() {
			return errors.Errorf("registry chain links to offset %d, which is outside the %d-byte region", offset, m.Size())
		}

		next, size := m.readFreeHeader(offset)
		if !memutils.IsPow2(uint(size)) || size < MinBlockSize {
			return errors.Errorf("free block at offset %d has an invalid size %d", offset, size)
		}
		if offset&(size-1) != 0 {
			return errors.Errorf("free block at offset %d is not aligned to its %d-byte size", offset, size)
		}
		if offset+size > m.Size() {
			return errors.Errorf("free block at offset %d extends past the end of the %d-byte region", offset, m.Size())
		}
		if _, present := blockSizes[offset]; present {
			return errors.Errorf("free block at offset %d appears in the registry chain more than once", offset)
		}

		freeCount++
		if freeCount > m.blocksFreeCount {
			return errors.Errorf("the registry chain holds more than %d blocks, it may be cyclic", m.blocksFreeCount)
		}
		freeSize += size
		classCounts[sizeToClass(size)]++
		blockSizes[offset] = size

		offset = next
	}

	if freeCount != m.blocksFreeCount {
		return errors.Errorf("the metadata's free block count is %d, but the registry chain holds %d blocks", m.blocksFreeCount, freeCount)
	}
	if freeSize != m.blocksFreeSize {
		return errors.Errorf("the metadata's free size is %d, but the registry's blocks add up to %d", m.blocksFreeSize, freeSize)
	}

	for class := 0; class < maxSizeClasses; class++ {
		if classCounts[class] != m.freeClassCounts[class] {
			return errors.Errorf("the metadata counts %d free blocks of class %d, but the registry holds %d", m.freeClassCounts[class], class, classCounts[class])
		}
		bitSet := m.freeClassBitmap&(1<<class) != 0
		if bitSet != (classCounts[class] > 0) {
			return errors.Errorf("the class bitmap disagrees with the registry about class %d", class)
		}
	}

	for offset, size := range blockSizes {
		buddySize, buddyFree := blockSizes[offset^size]
		if buddyFree && buddySize == size {
			return errors.Errorf("the blocks at offsets %d and %d are free buddies but were not merged", offset, offset^size)
		}
	}

	return m.validateNoOverlap(blockSizes)
}

func (m *BuddyBlockMetadata) validateNoOverlap(blockSizes map[int]int) error {
	offsets := make([]int, 0, len(blockSizes))
	for offset := range blockSizes {
		offsets = append(offsets, offset)
	}
	slices.Sort(offsets)

	for i := 1; i < len(offsets); i++ {
		prev := offsets[i-1]
		if prev+blockSizes[prev] > offsets[i] {
			return errors.Errorf("the free blocks at offsets %d and %d overlap", prev, offsets[i])
		}
	}

	return nil
}

// VisitAllRegions calls handleRegion once per free block and once per allocated span, in
// ascending offset order. The registry keeps no metadata for allocated memory, so adjacent
// allocations are reported as a single merged span.
func (m *BuddyBlockMetadata) VisitAllRegions(handleRegion func(offset, size int, free bool) error) error {
	blocks := m.sortedFreeBlocks()

	cursor := 0
	for _, block := range blocks {
		if block.offset > cursor {
			err := handleRegion(cursor, block.offset-cursor, false)
			if err != nil {
				return err
			}
		}

		err := handleRegion(block.offset, block.size, true)
		if err != nil {
			return err
		}
		cursor = block.offset + block.size
	}

	if cursor < m.Size() {
		return handleRegion(cursor, m.Size()-cursor, false)
	}

	return nil
}

type freeBlockRef struct {
	offset int
	size   int
}

func (m *BuddyBlockMetadata) sortedFreeBlocks() []freeBlockRef {
	blocks := make([]freeBlockRef, 0, m.blocksFreeCount)
	for offset := m.freeHead; offset != NoBlock; {
		next, size := m.readFreeHeader(offset)
		blocks = append(blocks, freeBlockRef{offset: offset, size: size})
		offset = next
	}

	slices.SortFunc(blocks, func(a, b freeBlockRef) bool {
		return a.offset < b.offset
	})

	return blocks
}

func (m *BuddyBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()
	stats.AllocationCount += m.allocCount
	stats.AllocationBytes += m.Size() - m.SumFreeSize()

	for offset := m.freeHead; offset != NoBlock; {
		next, size := m.readFreeHeader(offset)
		stats.AddUnusedRange(size)
		offset = next
	}
}

func (m *BuddyBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocCount
	stats.BlockBytes += m.Size()
	stats.AllocationBytes += m.Size() - m.SumFreeSize()
}

// Clear instantly frees all allocations and returns the region to a single whole-region
// free block.
func (m *BuddyBlockMetadata) Clear() {
	if m.memory == nil {
		return
	}

	m.freeHead = NoBlock
	m.allocCount = 0
	m.blocksFreeCount = 0
	m.blocksFreeSize = 0
	m.freeClassBitmap = 0
	m.freeClassCounts = [maxSizeClasses]int{}
	m.tracker.clear()

	m.insertFreeBlock(0, m.Size())
}

func (m *BuddyBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	m.BlockMetadataBase.BlockJsonData(json, m.SumFreeSize(), m.allocCount, m.blocksFreeCount)
}

// DebugLogAllAllocations logs every allocated span in the region. Adjacent allocations are
// merged, see VisitAllRegions.
func (m *BuddyBlockMetadata) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int)) {
	_ = m.VisitAllRegions(func(offset, size int, free bool) error {
		if !free {
			logFunc(logger, offset, size)
		}
		return nil
	})
}
