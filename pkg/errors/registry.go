package errors

import (
	"fmt"
	"sort"
	"sync"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[int]*Errno)
)

// Register records e and returns it. Codes must be unique; a duplicate is a
// programming error and panics at init time.
func Register(e *Errno) *Errno {
	registryMu.Lock()
	defer registryMu.Unlock()

	if prev, dup := registry[e.Code]; dup {
		panic(fmt.Sprintf("errno %d registered twice (%q and %q)", e.Code, prev.MessageEN, e.MessageEN))
	}
	registry[e.Code] = e
	return e
}

// Registered returns every registered Errno ordered by code.
func Registered() []*Errno {
	registryMu.RLock()
	out := make([]*Errno, 0, len(registry))
	for _, e := range registry {
		out = append(out, e)
	}
	registryMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
