package dataloader

import (
	"container/list"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/medvision/kvasirnet/vision/preprocessing"
)

// CacheManager is an LRU of decoded, resized images keyed by path. Cached
// entries are shared; callers must not modify the returned data.
type CacheManager struct {
	mu       sync.Mutex
	cache    map[string]*preprocessing.ProcessedImage
	lru      *list.List
	lruMap   map[string]*list.Element
	maxSize  int
	itemSize int // Size of each item in float32 elements

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCacheManager creates a new cache manager. A maxSize below zero disables
// caching.
func NewCacheManager(maxSize int, itemSize int) *CacheManager {
	return &CacheManager{
		cache:    make(map[string]*preprocessing.ProcessedImage),
		lru:      list.New(),
		lruMap:   make(map[string]*list.Element),
		maxSize:  maxSize,
		itemSize: itemSize,
	}
}

// Get retrieves an item from the cache
func (cm *CacheManager) Get(key string) (*preprocessing.ProcessedImage, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if data, exists := cm.cache[key]; exists {
		cm.lru.MoveToFront(cm.lruMap[key])
		cm.hits.Inc()
		return data, true
	}

	cm.misses.Inc()
	return nil, false
}

// Put adds an item to the cache
func (cm *CacheManager) Put(key string, img *preprocessing.ProcessedImage) {
	if cm.maxSize <= 0 || len(img.Data) != cm.itemSize {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, exists := cm.lruMap[key]; exists {
		cm.lru.MoveToFront(elem)
		return
	}

	cm.lruMap[key] = cm.lru.PushFront(key)
	cm.cache[key] = img

	for cm.lru.Len() > cm.maxSize {
		cm.removeElement(cm.lru.Back())
	}
}

// Load returns the cached image for path or decodes it with processor and
// caches the result
func (cm *CacheManager) Load(path string, processor *preprocessing.ImageProcessor) (*preprocessing.ProcessedImage, error) {
	if img, ok := cm.Get(path); ok {
		return img, nil
	}
	img, err := processor.LoadFile(path)
	if err != nil {
		return nil, err
	}
	cm.Put(path, img)
	return img, nil
}

func (cm *CacheManager) removeElement(elem *list.Element) {
	key := elem.Value.(string)
	cm.lru.Remove(elem)
	delete(cm.lruMap, key)
	delete(cm.cache, key)
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	size := cm.lru.Len()
	cm.mu.Unlock()

	hits, misses := cm.hits.Load(), cm.misses.Load()
	hitRate := 0.0
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	return CacheStats{
		Size:    size,
		MaxSize: cm.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
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
