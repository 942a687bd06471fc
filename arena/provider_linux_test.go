//go:build linux

package arena_test

import (
	"testing"

	"github.com/jpoler/buddy/arena"
	"github.com/stretchr/testify/require"
)

func TestAllocatorMmapProvider(t *testing.T) {
	a, err := arena.New(arena.CreateOptions{
		InitialSize: 1 << 12,
		Provider:    arena.MmapProvider{},
	})
	require.NoError(t, err)

	address, err := a.Allocate(100, 64)
	require.NoError(t, err)
	require.Equal(t, 0, address%64)

	memory, err := a.Bytes(address, 100)
	require.NoError(t, err)
	memory[0] = 0xFF

	require.NoError(t, a.Free(address, 100, 64))
	require.NoError(t, a.Validate())
}
