package keys

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupKeyFor_Idempotent(t *testing.T) {
	a := NewAllocator()
	devices := []string{"/job:worker/task:0/device:GPU:0", "/job:worker/task:0/device:GPU:1"}

	key := a.GroupKeyFor(devices)
	assert.Equal(t, key, a.GroupKeyFor(devices))

	// Order of the device list does not matter.
	reversed := []string{devices[1], devices[0]}
	assert.Equal(t, key, a.GroupKeyFor(reversed))
}

func TestGroupKeyFor_DistinctGroupsNeverCollide(t *testing.T) {
	a := NewAllocator()
	seen := make(map[uint32]bool)
	groups := [][]string{
		{"/device:GPU:0"},
		{"/device:GPU:1"},
		{"/device:GPU:0", "/device:GPU:1"},
		{"/job:worker/task:0"},
		{"/job:worker/task:1"},
	}
	for _, g := range groups {
		key := a.GroupKeyFor(g)
		assert.False(t, seen[key], "group %v collided on key %d", g, key)
		seen[key] = true
	}
}

func TestNextInstanceKey_UniqueUnderConcurrency(t *testing.T) {
	a := NewAllocator()
	const workers = 8
	const perWorker = 250

	var mu sync.Mutex
	seen := make(map[uint32]bool)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]uint32, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, a.NextInstanceKey())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, k := range local {
				seen[k] = true
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, workers*perWorker)
}

func TestKeyRangesAreDisjoint(t *testing.T) {
	a := NewAllocator()
	group := a.GroupKeyFor([]string{"/device:CPU:0"})
	op := a.NextInstanceKey()
	variable := a.NextVariableInstanceKey()
	assert.Less(t, group, op)
	assert.Less(t, op, variable)
}

func TestFreshAllocatorsAgree(t *testing.T) {
	// Two tasks that allocate keys in the same program order must observe
	// identical key sequences.
	a, b := NewAllocator(), NewAllocator()
	assert.Equal(t,
		a.GroupKeyFor([]string{"/job:worker/task:0/device:CPU:0"}),
		b.GroupKeyFor([]string{"/job:worker/task:1/device:CPU:0"}))
	assert.Equal(t, a.NextInstanceKey(), b.NextInstanceKey())
	assert.Equal(t, a.NextVariableInstanceKey(), b.NextVariableInstanceKey())
}
