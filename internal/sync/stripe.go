// ABOUTME: Striped per-key mutex set used to serialize mutations per entity ID
// ABOUTME: Guarantees heartbeat/expiry for one entity never run concurrently

package sync

import (
	"hash/fnv"
	"sync"
)

const stripeCount = 64

// stripedLocks serializes operations per key. Two keys may share a stripe;
// that only costs throughput, never correctness.
type stripedLocks struct {
	stripes [stripeCount]sync.Mutex
}

func (s *stripedLocks) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	mu := &s.stripes[h.Sum32()%stripeCount]
	mu.Lock()
	return mu
}
