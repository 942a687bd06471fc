package arena

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jpoler/buddy/internal/utils"
	"github.com/jpoler/buddy/memutils"
	"github.com/jpoler/buddy/memutils/metadata"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator will not be
	// synchronized internally. The consumer must guarantee that Allocate and Free are
	// called from only one goroutine at a time or are synchronized by some other
	// mechanism, but performance may improve because no mutex is taken
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
	// AllocatorCreateGrowable permits the allocator to ask its MemoryProvider for one
	// additional region when a request cannot be satisfied from the regions it already
	// owns, and to retry the request once afterward. Without this flag an exhausted
	// allocator fails the request immediately
	AllocatorCreateGrowable
)

var allocatorCreateFlagsMapping = map[CreateFlags]string{
	AllocatorCreateExternallySynchronized: "AllocatorCreateExternallySynchronized",
	AllocatorCreateGrowable:               "AllocatorCreateGrowable",
}

func (f CreateFlags) String() string {
	var parts []string
	for flag, name := range allocatorCreateFlagsMapping {
		if f&flag != 0 {
			parts = append(parts, name)
		}
	}

	return strings.Join(parts, "|")
}

// CreateOptions describes the allocator to create in a call to New
type CreateOptions struct {
	// InitialSize is the size in bytes of the region reserved at bootstrap. It is rounded
	// up to the next power of two no smaller than metadata.MinBlockSize. Required.
	InitialSize int
	// Flags indicate specific allocator behaviors to activate or deactivate. Optional.
	Flags CreateFlags
	// Provider is the environment primitive used to reserve backing memory. Optional-
	// when nil, regions come from the Go heap.
	Provider MemoryProvider
	// Logger is the *slog.Logger this allocator and its regions will use for debug
	// logging. Optional- when nil, slog.Default() is used.
	Logger *slog.Logger
}

// New creates a new Allocator, reserving its initial region from the provider and
// installing the whole region as a single free block.
func New(options CreateOptions) (*Allocator, error) {
	if options.InitialSize < 1 {
		return nil, errors.Newf("invalid initial arena size: %d", options.InitialSize)
	}

	provider := options.Provider
	if provider == nil {
		provider = GoHeapProvider{}
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Allocator{
		logger:   logger,
		provider: provider,
		flags:    options.Flags,
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&AllocatorCreateExternallySynchronized == 0,
		},
		initialSize: nextRegionSize(options.InitialSize),
	}

	_, err := a.addRegion(a.initialSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to bootstrap the initial arena region")
	}

	return a, nil
}

func nextRegionSize(size int) int {
	if size < metadata.MinBlockSize {
		size = metadata.MinBlockSize
	}

	return memutils.NextPow2(size)
}
