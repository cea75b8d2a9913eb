package cache

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/contentcache/contentcache/internal/config"
	cacheerr "github.com/contentcache/contentcache/pkg/errors"
	"github.com/contentcache/contentcache/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefault()
	cfg.LocalCachePath = t.TempDir()
	cfg.MemoryCacheSize = 1024
	cfg.LocalCacheSize = 64 * 1024
	cfg.MaxItemSize = 256
	cfg.MinAccessCount = 2
	return cfg
}

func TestTieredCacheRoundTrip(t *testing.T) {
	t.Parallel()

	tc, err := NewTieredCache(testConfig(t))
	if err != nil {
		t.Fatalf("NewTieredCache: %v", err)
	}
	defer tc.Close()

	value := []byte("tiered value")
	if !tc.Put("k", value, nil) {
		t.Fatal("put failed")
	}

	got, ok := tc.Get("k", false)
	if !ok || !bytes.Equal(got, value) {
		t.Fatalf("Get = %q, %v", got, ok)
	}
	// Small items land in both tiers on put.
	if !tc.MemoryContains("k") {
		t.Error("small item should be in the memory tier")
	}
	if tc.DiskSizeOf("k") != int64(len(value)) {
		t.Error("item missing from the disk tier")
	}
}

func TestTieredCachePromotionOnDiskHit(t *testing.T) {
	t.Parallel()

	tc, err := NewTieredCache(testConfig(t))
	if err != nil {
		t.Fatalf("NewTieredCache: %v", err)
	}
	defer tc.Close()

	tc.Put("k", []byte("promote me"), nil)
	tc.Clear(types.TierMemory)
	if tc.MemoryContains("k") {
		t.Fatal("memory tier should be empty after clear")
	}

	// The put counted as the first access, so this disk hit reaches the
	// min_access_count threshold and promotes.
	if _, ok := tc.Get("k", false); !ok {
		t.Fatal("expected disk hit")
	}
	if !tc.MemoryContains("k") {
		t.Error("disk hit should promote into the memory tier")
	}
	if tc.Stats().Promotions != 1 {
		t.Errorf("promotions = %d, want 1", tc.Stats().Promotions)
	}
}

// Disk entries that survive a restart carry their persisted access
// history, so an already-established key promotes on its first hit in
// the new process rather than starting its count from scratch.
func TestTieredCachePromotionAfterRestart(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)

	tc, err := NewTieredCache(cfg)
	if err != nil {
		t.Fatalf("NewTieredCache: %v", err)
	}
	if !tc.Put("k", []byte("survives restart"), nil) {
		t.Fatal("put failed")
	}
	if err := tc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	tc, err = NewTieredCache(cfg)
	if err != nil {
		t.Fatalf("NewTieredCache after restart: %v", err)
	}
	defer tc.Close()

	if tc.MemoryContains("k") {
		t.Fatal("memory tier should start empty after restart")
	}
	if _, ok := tc.Get("k", false); !ok {
		t.Fatal("expected disk hit after restart")
	}
	if !tc.MemoryContains("k") {
		t.Error("first disk hit after restart should promote")
	}
}

func TestTieredCacheNoPromotionForLargeItems(t *testing.T) {
	t.Parallel()

	tc, err := NewTieredCache(testConfig(t))
	if err != nil {
		t.Fatalf("NewTieredCache: %v", err)
	}
	defer tc.Close()

	// Larger than max_item_size (256) but well within the disk tier.
	large := make([]byte, 300)
	if !tc.Put("big", large, nil) {
		t.Fatal("put failed")
	}
	if tc.MemoryContains("big") {
		t.Fatal("oversized item should not enter the memory tier on put")
	}

	for i := 0; i < 3; i++ {
		if _, ok := tc.Get("big", false); !ok {
			t.Fatal("expected disk hit")
		}
	}
	if tc.MemoryContains("big") {
		t.Error("oversized item should never be promoted")
	}
}

func TestTieredCacheMiss(t *testing.T) {
	t.Parallel()

	tc, err := NewTieredCache(testConfig(t))
	if err != nil {
		t.Fatalf("NewTieredCache: %v", err)
	}
	defer tc.Close()

	if _, ok := tc.Get("absent", false); ok {
		t.Fatal("expected miss")
	}
	if tc.Stats().Misses != 1 {
		t.Errorf("misses = %d, want 1", tc.Stats().Misses)
	}
}

func TestTieredCachePutDiskRejectMemoryAccept(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.LocalCacheSize = 100
	tc, err := NewTieredCache(cfg)
	if err != nil {
		t.Fatalf("NewTieredCache: %v", err)
	}
	defer tc.Close()

	// Too large for the disk tier, small enough for memory: the put
	// still succeeds because one tier accepted it.
	value := make([]byte, 200)
	if !tc.Put("k", value, nil) {
		t.Fatal("put should succeed via the memory tier")
	}
	if !tc.MemoryContains("k") {
		t.Error("item should be in the memory tier")
	}
	if tc.DiskSizeOf("k") != 0 {
		t.Error("item should not be in the disk tier")
	}
}

func TestTieredCacheGetMmapDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.EnableMemoryMapping = false
	tc, err := NewTieredCache(cfg)
	if err != nil {
		t.Fatalf("NewTieredCache: %v", err)
	}
	defer tc.Close()

	if _, err := tc.GetMmap("k"); cacheerr.CodeOf(err) != cacheerr.ErrCodeMmapDisabled {
		t.Errorf("error code = %v, want %v", cacheerr.CodeOf(err), cacheerr.ErrCodeMmapDisabled)
	}
}

func TestTieredCacheGetMmap(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	tc, err := NewTieredCache(cfg)
	if err != nil {
		t.Fatalf("NewTieredCache: %v", err)
	}
	defer tc.Close()

	value := []byte("mapped content")
	tc.Put("k", value, nil)

	got, err := tc.GetMmap("k")
	if err != nil {
		t.Fatalf("GetMmap: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Errorf("mapped bytes = %q, want %q", got, value)
	}
	if stats := tc.Stats(); stats.MmapCreates != 1 || stats.MmapCount != 1 {
		t.Errorf("creates = %d, count = %d, want 1, 1", stats.MmapCreates, stats.MmapCount)
	}

	// Second call reuses the live mapping.
	again, err := tc.GetMmap("k")
	if err != nil {
		t.Fatalf("GetMmap reuse: %v", err)
	}
	if !bytes.Equal(again, value) {
		t.Error("reused mapping returned wrong bytes")
	}
	if stats := tc.Stats(); stats.MmapCreates != 1 || stats.MmapHits != 1 {
		t.Errorf("creates = %d, hits = %d, want 1, 1", stats.MmapCreates, stats.MmapHits)
	}

	if _, err := tc.GetMmap("absent"); cacheerr.CodeOf(err) != cacheerr.ErrCodeKeyNotFound {
		t.Errorf("error code = %v, want %v", cacheerr.CodeOf(err), cacheerr.ErrCodeKeyNotFound)
	}
}

func TestTieredCacheClearReleasesMmaps(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	tc, err := NewTieredCache(cfg)
	if err != nil {
		t.Fatalf("NewTieredCache: %v", err)
	}
	defer tc.Close()

	tc.Put("k", []byte("mapped content"), nil)
	if _, err := tc.GetMmap("k"); err != nil {
		t.Fatalf("GetMmap: %v", err)
	}

	tc.Clear(types.TierMmap)
	if tc.Stats().MmapCount != 0 {
		t.Error("mmap view should be released by clear")
	}

	// The mapping's backing temp file must be gone too.
	leftovers, err := filepath.Glob(filepath.Join(cfg.LocalCachePath, "mmap-*.tmp"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}

	// The disk copy is untouched.
	if _, ok := tc.Get("k", false); !ok {
		t.Error("disk entry should survive an mmap-only clear")
	}
}

func TestTieredCacheEvictColdFirst(t *testing.T) {
	t.Parallel()

	tc, err := NewTieredCache(testConfig(t))
	if err != nil {
		t.Fatalf("NewTieredCache: %v", err)
	}
	defer tc.Close()

	tc.Put("cold", []byte("cold value"), nil)
	tc.Put("hot", []byte("hot value!"), nil)
	for i := 0; i < 5; i++ {
		tc.Get("hot", false)
	}

	freed := tc.Evict(5)
	if freed < 5 {
		t.Errorf("freed %d bytes, want at least 5", freed)
	}
	if tc.MemoryContains("cold") {
		t.Error("cold key should be evicted first")
	}
	if !tc.MemoryContains("hot") {
		t.Error("hot key should survive")
	}
	// Eviction only touches the memory tier.
	if tc.DiskSizeOf("cold") == 0 {
		t.Error("disk copy should survive memory eviction")
	}
}

func TestTieredCacheClearSubsets(t *testing.T) {
	t.Parallel()

	tc, err := NewTieredCache(testConfig(t))
	if err != nil {
		t.Fatalf("NewTieredCache: %v", err)
	}
	defer tc.Close()

	tc.Put("k", []byte("value"), nil)

	tc.Clear(types.TierDisk)
	if tc.DiskSizeOf("k") != 0 {
		t.Error("disk tier should be empty")
	}
	if !tc.MemoryContains("k") {
		t.Error("memory tier should be untouched")
	}

	tc.Clear()
	if tc.MemoryContains("k") {
		t.Error("full clear should empty the memory tier")
	}
	if tc.Stats().TrackedKeys != 0 {
		t.Error("full clear should reset access tracking")
	}
}

func TestTieredCacheAccessStats(t *testing.T) {
	t.Parallel()

	tc, err := NewTieredCache(testConfig(t))
	if err != nil {
		t.Fatalf("NewTieredCache: %v", err)
	}
	defer tc.Close()

	tc.Put("k", []byte("value"), nil)
	tc.Get("k", false)
	tc.Get("k", false)

	stats, ok := tc.AccessStatsFor("k")
	if !ok {
		t.Fatal("expected access record")
	}
	if stats.AccessCount != 3 {
		t.Errorf("access count = %d, want 3", stats.AccessCount)
	}
	if stats.MemoryHits != 2 {
		t.Errorf("memory hits = %d, want 2", stats.MemoryHits)
	}
	if stats.HeatScore <= 0 {
		t.Error("heat score should be positive")
	}
	found := false
	for _, tier := range stats.Tiers {
		if tier == types.TierMemory {
			found = true
		}
	}
	if !found {
		t.Errorf("tiers = %v, want memory included", stats.Tiers)
	}
}

func TestTieredCacheConcurrentAccess(t *testing.T) {
	t.Parallel()

	tc, err := NewTieredCache(testConfig(t))
	if err != nil {
		t.Fatalf("NewTieredCache: %v", err)
	}
	defer tc.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				key := fmt.Sprintf("key-%d", i%10)
				if i%3 == 0 {
					tc.Put(key, []byte(key), nil)
				} else {
					if value, ok := tc.Get(key, false); ok && string(value) != key {
						t.Errorf("got %q for key %q", value, key)
					}
				}
			}
		}(g)
	}
	wg.Wait()
}
