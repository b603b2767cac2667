package blelink

import (
	"sync"
	"sync/atomic"
)

const (
	// MaxBufferSize bounds a single serial read or BLE write request.
	MaxBufferSize = 64 * 1024 // 64KB

	// readBufferSize covers the largest SPP payload (512) with room to spare.
	readBufferSize = 1024
)

// BufferPool manages reusable byte buffers for I/O operations
type BufferPool struct {
	pool sync.Pool
	size int
	// Metrics for monitoring pool efficiency
	gets    atomic.Int64
	puts    atomic.Int64
	creates atomic.Int64
}

// NewBufferPool creates a buffer pool with fixed-size buffers
func NewBufferPool(bufferSize int) *BufferPool {
	bp := &BufferPool{
		size: bufferSize,
	}
	bp.pool = sync.Pool{
		New: func() interface{} {
			bp.creates.Add(1)
			return make([]byte, bufferSize)
		},
	}
	return bp
}

// Get retrieves a buffer from the pool
func (bp *BufferPool) Get() []byte {
	bp.gets.Add(1)
	return bp.pool.Get().([]byte)
}

// Put returns a buffer to the pool (clears it first)
func (bp *BufferPool) Put(buf []byte) {
	if len(buf) != bp.size {
		return // Don't pool incorrectly sized buffers
	}
	bp.puts.Add(1)

	clear(buf)
	bp.pool.Put(buf)
}

// Stats returns pool usage statistics
func (bp *BufferPool) Stats() PoolStats {
	return PoolStats{
		Size:    bp.size,
		Gets:    bp.gets.Load(),
		Puts:    bp.puts.Load(),
		Creates: bp.creates.Load(),
	}
}

// PoolStats contains buffer pool usage statistics
type PoolStats struct {
	Size    int   `json:"size"`    // Buffer size managed by this pool
	Gets    int64 `json:"gets"`    // Number of Get() calls
	Puts    int64 `json:"puts"`    // Number of Put() calls
	Creates int64 `json:"creates"` // Number of new buffers created
}

// HitRatio returns the cache hit ratio (0.0 to 1.0)
func (ps PoolStats) HitRatio() float64 {
	if ps.Gets == 0 {
		return 0.0
	}
	return 1.0 - (float64(ps.Creates) / float64(ps.Gets))
}

// BufferPoolManager hands out buffers for a Service: command and heartbeat
// copies come from the small pool, serial reads from the read pool.
type BufferPoolManager struct {
	smallPool *BufferPool // 256 bytes
	readPool  *BufferPool // readBufferSize
	metrics   *Metrics
}

func NewBufferPoolManager(metrics *Metrics) *BufferPoolManager {
	return &BufferPoolManager{
		smallPool: NewBufferPool(256),
		readPool:  NewBufferPool(readBufferSize),
		metrics:   metrics,
	}
}

// GetPooledBuffer returns a buffer of at least size bytes and a release func.
// Sizes above readBufferSize are allocated directly.
func (bpm *BufferPoolManager) GetPooledBuffer(size int) ([]byte, func()) {
	switch {
	case size <= 0:
		return nil, func() {}
	case size <= 256:
		bpm.recordHit()
		buf := bpm.smallPool.Get()
		return buf[:size], func() { bpm.smallPool.Put(buf) }
	case size <= readBufferSize:
		bpm.recordHit()
		buf := bpm.readPool.Get()
		return buf[:size], func() { bpm.readPool.Put(buf) }
	}
	bpm.recordMiss()
	if size > MaxBufferSize {
		size = MaxBufferSize
	}
	return make([]byte, size), func() {}
}

func (bpm *BufferPoolManager) recordHit() {
	if bpm.metrics != nil {
		bpm.metrics.BufferPoolHits.Add(1)
	}
}

func (bpm *BufferPoolManager) recordMiss() {
	if bpm.metrics != nil {
		bpm.metrics.BufferPoolMisses.Add(1)
	}
}

// GetAllPoolStats returns statistics for all pools
func (bpm *BufferPoolManager) GetAllPoolStats() []PoolStats {
	return []PoolStats{
		bpm.smallPool.Stats(),
		bpm.readPool.Stats(),
	}
}
