package metadata

import "github.com/pkg/errors"

var (
	// ErrOutOfRange is returned from Allocate when the request's size class is larger than
	// the managed region could ever produce, regardless of how much of it is currently free
	ErrOutOfRange = errors.New("requested size class can never be satisfied by this region")
	// ErrOutOfMemory is returned from Allocate when no free block large enough for the
	// request's size class is currently present in the region
	ErrOutOfMemory = errors.New("no free block is large enough for the requested size class")
)
