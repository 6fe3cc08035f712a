package pool

import (
	"container/list"
	"fmt"
	"math"
)

// memoryBucketMB and cpuBucketCores quantize requirements so that near-equal
// requests share a fingerprint and can reuse each other's lease shape.
const (
	memoryBucketMB = 64
	cpuBucketCores = 0.25
)

// fingerprint derives the quantized cache key for a request's requirements.
func fingerprint(t ResourceType, req Requirements) string {
	memBucket := int64(0)
	if req.MemoryMB > 0 {
		memBucket = (req.MemoryMB + memoryBucketMB - 1) / memoryBucketMB
	}
	cpuBucket := int64(0)
	if req.CPUCores > 0 {
		cpuBucket = int64(math.Ceil(req.CPUCores / cpuBucketCores))
	}
	return fmt.Sprintf("%s/m%d/c%d", t, memBucket, cpuBucket)
}

// leaseShape is the reusable part of a lease: the normalized requirements a
// previous equivalent allocation already resolved.
type leaseShape struct {
	Type         ResourceType
	Requirements Requirements
}

// shapeCache is an LRU cache of recently released lease shapes, keyed by
// requirement fingerprint. It is purely a performance optimization; the pool
// behaves identically with maxSize 0.
type shapeCache struct {
	maxSize int
	order   *list.List // front = most recently used
	entries map[string]*list.Element
}

type cacheEntry struct {
	key   string
	shape leaseShape
}

func newShapeCache(maxSize int) *shapeCache {
	return &shapeCache{
		maxSize: maxSize,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// get returns the cached shape for a fingerprint and marks it most recently
// used.
func (c *shapeCache) get(key string) (leaseShape, bool) {
	if c.maxSize <= 0 {
		return leaseShape{}, false
	}
	el, ok := c.entries[key]
	if !ok {
		return leaseShape{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).shape, true
}

// put inserts or refreshes a shape, evicting the least recently used entry
// when the cache is full.
func (c *shapeCache) put(key string, shape leaseShape) {
	if c.maxSize <= 0 {
		return
	}
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).shape = shape
		c.order.MoveToFront(el)
		return
	}
	for c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, shape: shape})
}

func (c *shapeCache) len() int {
	return c.order.Len()
}

// utilizationPercent reports cache fill as a percentage of maxSize.
func (c *shapeCache) utilizationPercent() float64 {
	if c.maxSize <= 0 {
		return 0
	}
	return float64(c.order.Len()) / float64(c.maxSize) * 100.0
}
