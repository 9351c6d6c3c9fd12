package session

import (
	"container/list"
	"sync"
)

// seqCache remembers the most recently resolved reply sequences so a second
// reply for the same sequence can be told apart from a reply nobody asked for.
type seqCache struct {
	capacity int
	mu       sync.Mutex
	index    map[uint32]*list.Element
	lru      *list.List
}

func newSeqCache(capacity int) *seqCache {
	return &seqCache{
		capacity: capacity,
		index:    make(map[uint32]*list.Element),
		lru:      list.New(),
	}
}

// Put records seq as resolved, evicting the oldest entry when full.
func (sc *seqCache) Put(seq uint32) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if elem, exists := sc.index[seq]; exists {
		sc.lru.MoveToFront(elem)
		return
	}

	sc.index[seq] = sc.lru.PushFront(seq)

	if sc.lru.Len() > sc.capacity {
		oldest := sc.lru.Back()
		if oldest != nil {
			sc.lru.Remove(oldest)
			delete(sc.index, oldest.Value.(uint32))
		}
	}
}

func (sc *seqCache) Contains(seq uint32) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	_, exists := sc.index[seq]
	return exists
}

func (sc *seqCache) Reset() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.index = make(map[uint32]*list.Element)
	sc.lru.Init()
}
