// Package keys issues group and instance keys for collective operations.
//
// A group key names a fixed set of participating devices and is stable for
// the allocator's lifetime. An instance key names one logical collective
// invocation and must be unique per concurrent collective so instances never
// cross-talk. Tasks that create channels and issue collectives in the same
// program order observe the same key sequence, which is what lets
// independently-allocated keys agree across the cluster.
package keys

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Key ranges. Group keys, op instance keys and variable instance keys live in
// disjoint ranges so a misrouted key is recognizable in logs.
const (
	groupKeyStart            = 1
	opInstanceKeyStart       = 100
	variableInstanceKeyStart = 1000000
)

// Allocator hands out collective keys. Safe for concurrent use. Exhaustion of
// the 32-bit key space is an accepted limitation; the counters simply wrap.
type Allocator struct {
	mu        sync.Mutex
	groupKeys map[string]uint32
	nextGroup uint32

	opInstance  atomic.Uint32
	varInstance atomic.Uint32
}

// NewAllocator returns an allocator with empty group state and counters at
// their range starts.
func NewAllocator() *Allocator {
	a := &Allocator{
		groupKeys: make(map[string]uint32),
		nextGroup: groupKeyStart,
	}
	a.opInstance.Store(opInstanceKeyStart)
	a.varInstance.Store(variableInstanceKeyStart)
	return a
}

// GroupKeyFor returns the group key of a device group. The same device set
// (regardless of order) always yields the same key; distinct sets never
// collide within one allocator.
func (a *Allocator) GroupKeyFor(devices []string) uint32 {
	canon := append([]string(nil), devices...)
	sort.Strings(canon)
	id := strings.Join(canon, ",")

	a.mu.Lock()
	defer a.mu.Unlock()
	if key, ok := a.groupKeys[id]; ok {
		return key
	}
	key := a.nextGroup
	a.nextGroup++
	a.groupKeys[id] = key
	return key
}

// NextInstanceKey returns a fresh instance key for one collective op.
// Strictly increasing within the op range.
func (a *Allocator) NextInstanceKey() uint32 {
	return a.opInstance.Add(1)
}

// NextVariableInstanceKey returns a fresh instance key in the range reserved
// for variable-initialization broadcasts.
func (a *Allocator) NextVariableInstanceKey() uint32 {
	return a.varInstance.Add(1)
}
