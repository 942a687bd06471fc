//go:build linux

package arena

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// MmapProvider reserves regions as anonymous private mappings, keeping arena memory off
// the Go heap entirely. Mappings are intentionally never unmapped: the arena owns its
// backing memory until process exit.
type MmapProvider struct{}

func (MmapProvider) Reserve(size int) ([]byte, error) {
	if size < 1 {
		return nil, errors.Newf("invalid region size: %d", size)
	}

	memory, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map a %d-byte region", size)
	}

	return memory, nil
}
