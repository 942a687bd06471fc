package utils

import (
	"sync"
)

// OptionalMutex guards the allocator's whole allocate/free critical section when internal
// synchronization is active, and no-ops when the consumer has taken responsibility for
// synchronization themselves.
type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}
