package arena

import "github.com/cockroachdb/errors"

// MemoryProvider is the single inbound primitive the allocator consumes from its
// environment: reserve size bytes of raw addressable memory. It is called once at
// bootstrap and, for growable allocators, again on growth. Reserved regions are never
// returned to the provider- the backing memory of an arena lives until process exit.
type MemoryProvider interface {
	Reserve(size int) ([]byte, error)
}

// GoHeapProvider reserves regions from the Go heap. It is the provider used when
// CreateOptions does not name one.
type GoHeapProvider struct{}

func (GoHeapProvider) Reserve(size int) ([]byte, error) {
	if size < 1 {
		return nil, errors.Newf("invalid region size: %d", size)
	}

	return make([]byte, size), nil
}
