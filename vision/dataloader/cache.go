// Package dataloader provides caching of decoded samples shared between
// dataset views.
package dataloader

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/tsawler/tinyai/tensor"
)

// Sample is a decoded (input, target) pair.
type Sample struct {
	X *tensor.Tensor
	Y *tensor.Tensor
}

// CacheManager is an LRU cache of decoded samples
type CacheManager struct {
	mu          sync.Mutex
	cache       map[string]Sample
	lru         *list.List
	lruMap      map[string]*list.Element
	maxSize     int
	currentSize int

	// Statistics
	hits   int64
	misses int64
}

// NewCacheManager creates a cache holding at most maxSize samples
func NewCacheManager(maxSize int) *CacheManager {
	return &CacheManager{
		cache:   make(map[string]Sample),
		lru:     list.New(),
		lruMap:  make(map[string]*list.Element),
		maxSize: maxSize,
	}
}

// SampleKey builds the cache key of a sample.
func SampleKey(folder string, layer, index int) string {
	return fmt.Sprintf("%s:%d:%d", folder, layer, index)
}

// Get retrieves a sample from the cache
func (cm *CacheManager) Get(key string) (Sample, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if data, exists := cm.cache[key]; exists {
		if elem, ok := cm.lruMap[key]; ok {
			cm.lru.MoveToFront(elem)
		}
		cm.hits++
		return data, true
	}

	cm.misses++
	return Sample{}, false
}

// Put adds a sample to the cache, evicting the least recently used entries
func (cm *CacheManager) Put(key string, data Sample) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.maxSize <= 0 {
		return
	}

	if _, exists := cm.cache[key]; exists {
		if elem, ok := cm.lruMap[key]; ok {
			cm.lru.MoveToFront(elem)
		}
		return
	}

	elem := cm.lru.PushFront(key)
	cm.lruMap[key] = elem
	cm.cache[key] = data
	cm.currentSize++

	for cm.currentSize > cm.maxSize && cm.lru.Len() > 0 {
		if oldest := cm.lru.Back(); oldest != nil {
			cm.removeElement(oldest)
		}
	}
}

func (cm *CacheManager) removeElement(elem *list.Element) {
	key := elem.Value.(string)
	cm.lru.Remove(elem)
	delete(cm.lruMap, key)
	delete(cm.cache, key)
	cm.currentSize--
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	return CacheStats{
		Size:    cm.currentSize,
		MaxSize: cm.maxSize,
		Hits:    cm.hits,
		Misses:  cm.misses,
		HitRate: cm.calculateHitRate(),
	}
}

func (cm *CacheManager) calculateHitRate() float64 {
	total := cm.hits + cm.misses
	if total == 0 {
		return 0
	}
	return float64(cm.hits) / float64(total) * 100
}

// Clear drops every cached sample. Statistics are cumulative and kept.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.cache = make(map[string]Sample)
	cm.lru = list.New()
	cm.lruMap = make(map[string]*list.Element)
	cm.currentSize = 0
}

// ResetStats resets the statistics
func (cm *CacheManager) ResetStats() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.hits = 0
	cm.misses = 0
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
