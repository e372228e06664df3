package utils

import (
	"sync"
)

// OptionalMutex is a sync.Mutex that only locks when UseMutex is true. It lets a type offer an
// externally synchronized mode without duplicating its methods.
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

// TryLock acquires the mutex if it is free and reports whether it did. It always succeeds when
// UseMutex is false.
func (m *OptionalMutex) TryLock() bool {
	if m.UseMutex {
		return m.Mutex.TryLock()
	}

	return true
}
