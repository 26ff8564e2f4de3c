package broadcast

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 256

// Locks is a fixed set of mutexes striped by chat ID. Holding a chat's lock
// orders its ticket writes, registry hand-offs and event publication.
type Locks struct {
	stripes [lockStripes]sync.Mutex
}

// Lock acquires chatID's stripe and returns the matching unlock func.
func (l *Locks) Lock(chatID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(chatID))
	mu := &l.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}
