// Package memory pools the float32 buffers that back batched tensors.
package memory

import (
	"fmt"
	"sync"
)

// BufferPool keeps float32 buffers of one fixed capacity
type BufferPool struct {
	buffers    chan []float32 // Available buffers
	maxSize    int            // Pool size limit
	bufferSize int            // Capacity of every buffer, in elements
	allocated  int            // Buffers handed out and not yet dropped
	mutex      sync.RWMutex   // Protects allocated counter
}

// NewBufferPool creates a new buffer pool
func NewBufferPool(bufferSize int, maxSize int) *BufferPool {
	return &BufferPool{
		buffers:    make(chan []float32, maxSize),
		maxSize:    maxSize,
		bufferSize: bufferSize,
	}
}

// Get retrieves a buffer from the pool or allocates a new one. The contents of
// a reused buffer are whatever the previous user left in it.
func (bp *BufferPool) Get() []float32 {
	select {
	case buffer := <-bp.buffers:
		return buffer
	default:
		bp.mutex.Lock()
		bp.allocated++
		bp.mutex.Unlock()
		return make([]float32, bp.bufferSize)
	}
}

// Return puts a buffer back into the pool. Buffers beyond maxSize are left to
// the garbage collector.
func (bp *BufferPool) Return(buffer []float32) {
	if cap(buffer) != bp.bufferSize {
		return
	}

	select {
	case bp.buffers <- buffer[:bp.bufferSize]:
	default:
		bp.mutex.Lock()
		bp.allocated--
		bp.mutex.Unlock()
	}
}

// Stats returns pool statistics
func (bp *BufferPool) Stats() (available int, allocated int, maxSize int) {
	bp.mutex.RLock()
	defer bp.mutex.RUnlock()
	return len(bp.buffers), bp.allocated, bp.maxSize
}

// Default pool sizes in elements: 1K, 4K, 16K, 64K, 256K, 1M, 4M
var defaultPoolSizes = []int{
	1024, 4096, 16384, 65536, 262144, 1048576, 4194304,
}

// Manager hands out buffers from size tiered pools
type Manager struct {
	pools      map[int]*BufferPool
	poolsMutex sync.RWMutex
	poolSizes  []int
}

// NewManager creates a manager with the default tiers
func NewManager() *Manager {
	return &Manager{
		pools:     make(map[int]*BufferPool),
		poolSizes: defaultPoolSizes,
	}
}

// Get returns a buffer of length n. Requests above the largest tier are
// allocated directly and never pooled.
func (m *Manager) Get(n int) []float32 {
	if n <= 0 {
		return nil
	}
	size, ok := m.findPoolSize(n)
	if !ok {
		return make([]float32, n)
	}
	return m.getOrCreatePool(size).Get()[:n]
}

// Put returns a buffer obtained from Get. Buffers that did not come from a
// tier are ignored.
func (m *Manager) Put(buffer []float32) {
	if buffer == nil {
		return
	}
	m.poolsMutex.RLock()
	pool, exists := m.pools[cap(buffer)]
	m.poolsMutex.RUnlock()

	if exists {
		pool.Return(buffer)
	}
}

// findPoolSize finds the smallest tier that can hold n elements
func (m *Manager) findPoolSize(n int) (int, bool) {
	for _, poolSize := range m.poolSizes {
		if poolSize >= n {
			return poolSize, true
		}
	}
	return 0, false
}

func (m *Manager) getOrCreatePool(size int) *BufferPool {
	m.poolsMutex.RLock()
	pool, exists := m.pools[size]
	m.poolsMutex.RUnlock()

	if exists {
		return pool
	}

	m.poolsMutex.Lock()
	defer m.poolsMutex.Unlock()

	// Double-check after acquiring write lock
	if pool, exists := m.pools[size]; exists {
		return pool
	}

	pool = NewBufferPool(size, calculateMaxPoolSize(size))
	m.pools[size] = pool
	return pool
}

// calculateMaxPoolSize determines the maximum number of buffers for a pool
func calculateMaxPoolSize(bufferSize int) int {
	// Smaller buffers get larger pools
	switch {
	case bufferSize <= 4096:
		return 64
	case bufferSize <= 65536:
		return 32
	case bufferSize <= 1048576:
		return 16
	default:
		return 4
	}
}

// Stats returns one line per tier in use
func (m *Manager) Stats() map[int]string {
	m.poolsMutex.RLock()
	defer m.poolsMutex.RUnlock()

	stats := make(map[int]string)
	for size, pool := range m.pools {
		available, allocated, maxSize := pool.Stats()
		stats[size] = fmt.Sprintf("available=%d, allocated=%d, max=%d",
			available, allocated, maxSize)
	}
	return stats
}

var (
	globalManager     *Manager
	globalManagerOnce sync.Once
)

// Global returns the process wide manager
func Global() *Manager {
	globalManagerOnce.Do(func() {
		globalManager = NewManager()
	})
	return globalManager
}
