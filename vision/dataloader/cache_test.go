package dataloader

import (
	"testing"

	"github.com/medvision/kvasirnet/vision/preprocessing"
)

func testImage(v float32) *preprocessing.ProcessedImage {
	return &preprocessing.ProcessedImage{Data: []float32{v, v, v}, Width: 1, Height: 1, Channels: 3}
}

func TestCacheManagerLRU(t *testing.T) {
	cm := NewCacheManager(2, 3)
	cm.Put("a", testImage(1))
	cm.Put("b", testImage(2))

	// Touch a so b becomes least recently used
	if _, ok := cm.Get("a"); !ok {
		t.Fatal("expected a to be cached")
	}
	cm.Put("c", testImage(3))

	if _, ok := cm.Get("b"); ok {
		t.Error("expected b to be evicted")
	}
	for _, key := range []string{"a", "c"} {
		if _, ok := cm.Get(key); !ok {
			t.Errorf("expected %s to be cached", key)
		}
	}

	stats := cm.Stats()
	if stats.Size != 2 || stats.Hits != 3 || stats.Misses != 1 {
		t.Errorf("unexpected stats %s", stats)
	}
	if stats.HitRate != 75 {
		t.Errorf("expected 75%% hit rate, got %.1f", stats.HitRate)
	}
}

func TestCacheManagerIgnoresWrongSize(t *testing.T) {
	cm := NewCacheManager(4, 12)
	cm.Put("a", testImage(1))
	if _, ok := cm.Get("a"); ok {
		t.Error("image of the wrong size must not be cached")
	}
}
