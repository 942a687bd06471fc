package metadata

import (
	"math/bits"

	"github.com/jpoler/buddy/memutils"
	"github.com/pkg/errors"
)

const (
	// MinBlockSize is the smallest block the registry ever produces: large enough to hold a
	// free-block header (one next-link word plus one size word on a 64-bit target)
	MinBlockSize = 16

	// freeBlockHeaderSize is the number of bytes of a free block occupied by its intrusive
	// header. The header only exists while the block sits in the registry- allocated memory
	// is opaque to the metadata.
	freeBlockHeaderSize = 16

	maxSizeClasses = 64
)

// SizeClass maps an allocation request to the power-of-two block size that will be used to
// satisfy it: the smallest power of two that is at least size, at least alignment, and at
// least MinBlockSize. alignment must be a power of two.
//
// Because every block of size 2^k sits at an offset divisible by 2^k, any free block whose
// size reaches this class automatically satisfies both the size and the alignment
// constraints, so no further alignment handling is needed anywhere in the allocator.
func SizeClass(size int, alignment uint) (int, error) {
	if size < 1 {
		return 0, errors.Errorf("invalid allocation size: %d", size)
	}

	if err := memutils.CheckPow2(alignment, "allocation alignment"); err != nil {
		return 0, err
	}

	classSize := memutils.NextPow2(size)
	if int(alignment) > classSize {
		classSize = int(alignment)
	}
	if classSize < MinBlockSize {
		classSize = MinBlockSize
	}

	return classSize, nil
}

func sizeToClass(size int) int {
	return bits.TrailingZeros64(uint64(size))
}
