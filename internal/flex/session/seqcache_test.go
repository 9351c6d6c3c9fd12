package session

import "testing"

func TestSeqCacheEviction(t *testing.T) {
	cache := newSeqCache(3)

	cache.Put(1)
	cache.Put(2)
	cache.Put(3)

	for seq := uint32(1); seq <= 3; seq++ {
		if !cache.Contains(seq) {
			t.Errorf("expected to find %d", seq)
		}
	}

	// touching 1 makes 2 the oldest
	cache.Put(1)
	cache.Put(4)

	if cache.Contains(2) {
		t.Error("2 should have been evicted")
	}
	for _, seq := range []uint32{1, 3, 4} {
		if !cache.Contains(seq) {
			t.Errorf("expected to find %d", seq)
		}
	}

	cache.Reset()
	if cache.Contains(1) {
		t.Error("cache should be empty after Reset")
	}
}
