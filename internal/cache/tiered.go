package cache

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/contentcache/contentcache/internal/config"
	cacheerr "github.com/contentcache/contentcache/pkg/errors"
	"github.com/contentcache/contentcache/pkg/types"
)

// Prefetcher receives access notifications from the tiered cache and
// schedules background prefetch. Implementations must not block.
type Prefetcher interface {
	TriggerPrefetch(key string, tier types.Tier)
}

// TieredCache routes gets and puts across the memory and disk tiers,
// promotes disk hits into memory, serves memory-mapped views of large
// items, and keeps the global per-key access table that drives
// heat-ordered eviction.
type TieredCache struct {
	cfg    *config.Config
	memory *ARCCache
	disk   *DiskCache
	logger *slog.Logger

	mu         sync.RWMutex
	mmaps      map[string]*Mapping
	access     map[string]*types.AccessStats
	counters   tierCounters
	prefetcher Prefetcher
	recorder   types.MetricsRecorder

	// fetch collapses concurrent disk reads and promotions of one key
	// so promotion is atomic with respect to racing gets.
	fetch singleflight.Group
}

type tierCounters struct {
	memoryHits  uint64
	diskHits    uint64
	mmapHits    uint64
	mmapCreates uint64
	misses      uint64
	promotions  uint64
	evictions   uint64
}

// TieredStats merges per-tier statistics with the manager's own counters.
type TieredStats struct {
	Memory      types.CacheStats `json:"memory"`
	ARC         ARCMetrics       `json:"arc"`
	Disk        DiskStats        `json:"disk"`
	MmapCount   int              `json:"mmap_count"`
	MemoryHits  uint64           `json:"memory_hits"`
	DiskHits    uint64           `json:"disk_hits"`
	MmapHits    uint64           `json:"mmap_hits"`
	MmapCreates uint64           `json:"mmap_creates"`
	Misses      uint64           `json:"misses"`
	Promotions  uint64           `json:"promotions"`
	Evictions   uint64           `json:"evictions"`
	HitRate     float64          `json:"hit_rate"`
	TrackedKeys int              `json:"tracked_keys"`
}

// NewTieredCache builds the two tiers from cfg. The disk directory is
// created and verified immediately.
func NewTieredCache(cfg *config.Config) (*TieredCache, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, cacheerr.Wrap(err, cacheerr.ErrCodeInvalidConfig, "invalid cache configuration")
	}

	disk, err := NewDiskCache(cfg.LocalCachePath, cfg.LocalCacheSize, cfg.Compression)
	if err != nil {
		return nil, err
	}

	return &TieredCache{
		cfg:    cfg,
		memory: NewARCCache(cfg.MemoryCacheSize, cfg.ARC),
		disk:   disk,
		logger: slog.Default().With("component", "tiered-cache"),
		mmaps:  make(map[string]*Mapping),
		access: make(map[string]*types.AccessStats),
	}, nil
}

// SetPrefetcher attaches the prefetch engine. Must be called before
// concurrent use begins.
func (t *TieredCache) SetPrefetcher(p Prefetcher) {
	t.mu.Lock()
	t.prefetcher = p
	t.mu.Unlock()
}

// SetMetricsRecorder attaches a recorder to the manager and both tiers.
func (t *TieredCache) SetMetricsRecorder(r types.MetricsRecorder) {
	t.mu.Lock()
	t.recorder = r
	t.mu.Unlock()
	t.memory.SetMetricsRecorder(r)
	t.disk.SetMetricsRecorder(r)
}

// Get looks key up in memory first, then disk. Disk hits at or below
// max_item_size are promoted into the memory tier. When prefetch is true
// a hit also seeds the prefetch engine; prefetch-initiated gets pass
// false so prefetch never cascades.
func (t *TieredCache) Get(key string, prefetch bool) ([]byte, bool) {
	if value, ok := t.memory.Get(key); ok {
		t.recordAccess(key, int64(len(value)), types.TierMemory)
		if prefetch {
			t.triggerPrefetch(key, types.TierMemory)
		}
		return value, true
	}

	type fetchResult struct {
		value []byte
		ok    bool
	}
	result, _, _ := t.fetch.Do(key, func() (interface{}, error) {
		value, ok := t.disk.Get(key)
		if !ok {
			return fetchResult{}, nil
		}
		if prior, added, ok := t.disk.EntryStats(key); ok {
			// disk.Get already counted this access; seed with the rest.
			t.seedAccess(key, prior-1, added)
		}
		count := t.recordAccess(key, int64(len(value)), types.TierDisk)
		if int64(len(value)) <= t.cfg.MaxItemSize && count >= int64(t.cfg.MinAccessCount) {
			if t.memory.Put(key, value) {
				t.mu.Lock()
				t.counters.promotions++
				t.mu.Unlock()
			}
		}
		return fetchResult{value: value, ok: true}, nil
	})

	if fr, _ := result.(fetchResult); fr.ok {
		if prefetch {
			t.triggerPrefetch(key, types.TierDisk)
		}
		return fr.value, true
	}

	t.mu.Lock()
	t.counters.misses++
	t.mu.Unlock()
	if t.recorder != nil {
		t.recorder.RecordMiss()
	}
	return nil, false
}

// GetMmap returns a read-only memory-mapped view of key's content. A
// live mapping is reused; otherwise the bytes are fetched from the disk
// tier and materialized into a fresh temp-file mapping.
func (t *TieredCache) GetMmap(key string) ([]byte, error) {
	if !t.cfg.EnableMemoryMapping {
		return nil, cacheerr.New(cacheerr.ErrCodeMmapDisabled, "memory mapping is disabled")
	}

	t.mu.Lock()
	if mapping, ok := t.mmaps[key]; ok {
		t.counters.mmapHits++
		t.mu.Unlock()
		t.recordAccess(key, mapping.Len(), types.TierMmap)
		return mapping.Bytes(), nil
	}
	t.mu.Unlock()

	value, ok := t.disk.Get(key)
	if !ok {
		return nil, cacheerr.Newf(cacheerr.ErrCodeKeyNotFound, "key %q not in disk tier", key)
	}

	mapping, err := newMapping(t.cfg.LocalCachePath, value)
	if err != nil {
		t.logger.Error("mmap creation failed", "key", key, "error", err)
		return nil, err
	}

	t.mu.Lock()
	// A concurrent GetMmap may have won the race; keep the first mapping.
	if existing, ok := t.mmaps[key]; ok {
		t.counters.mmapHits++
		t.mu.Unlock()
		_ = mapping.Release()
		return existing.Bytes(), nil
	}
	t.mmaps[key] = mapping
	t.counters.mmapCreates++
	t.mu.Unlock()

	t.recordAccess(key, int64(len(value)), types.TierMmap)
	return mapping.Bytes(), nil
}

// Put stores value durably in the disk tier and, when it fits under
// max_item_size, in the memory tier as well. Returns true if either
// tier accepted it.
func (t *TieredCache) Put(key string, value []byte, metadata map[string]string) bool {
	size := int64(len(value))

	diskOK := t.disk.Put(key, value, metadata)
	memOK := false
	if size <= t.cfg.MaxItemSize {
		memOK = t.memory.Put(key, value)
	}

	if diskOK || memOK {
		tiers := make([]types.Tier, 0, 2)
		if memOK {
			tiers = append(tiers, types.TierMemory)
		}
		if diskOK {
			tiers = append(tiers, types.TierDisk)
		}
		t.recordPut(key, size, tiers)
	}
	return diskOK || memOK
}

// Evict removes cold keys from the memory tier (and their mmap views)
// until target bytes are freed. A non-positive target defaults to 10%
// of the memory tier capacity. Returns bytes freed.
func (t *TieredCache) Evict(target int64) int64 {
	if target <= 0 {
		target = t.cfg.MemoryCacheSize / 10
	}

	type candidate struct {
		key  string
		heat float64
	}

	now := time.Now()
	t.mu.RLock()
	candidates := make([]candidate, 0, len(t.access))
	for key, stats := range t.access {
		candidates = append(candidates, candidate{key: key, heat: globalHeat(stats, now)})
	}
	t.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].heat < candidates[j].heat
	})

	freed := int64(0)
	for _, c := range candidates {
		if freed >= target {
			break
		}
		if size := t.memory.SizeOf(c.key); size > 0 {
			if t.memory.Delete(c.key) {
				freed += size
			}
		}
		t.mu.Lock()
		mapping, ok := t.mmaps[c.key]
		if ok {
			delete(t.mmaps, c.key)
		}
		t.mu.Unlock()
		if ok {
			freed += mapping.Len()
			if err := mapping.Release(); err != nil {
				t.logger.Warn("mmap release failed", "key", c.key, "error", err)
			}
		}
	}

	t.mu.Lock()
	t.counters.evictions++
	t.mu.Unlock()
	return freed
}

// Clear empties the requested tiers; with no arguments every tier is
// cleared and the global access table is reset.
func (t *TieredCache) Clear(tiers ...types.Tier) {
	all := len(tiers) == 0
	want := make(map[types.Tier]bool, len(tiers))
	for _, tier := range tiers {
		want[tier] = true
	}

	if all || want[types.TierMemory] {
		t.memory.Clear()
	}
	if all || want[types.TierDisk] {
		t.disk.Clear()
	}
	if all || want[types.TierMmap] {
		t.releaseAllMmaps()
	}
	if all {
		t.mu.Lock()
		t.access = make(map[string]*types.AccessStats)
		t.mu.Unlock()
	}
}

// Stats merges tier statistics, ARC adaptivity metrics, and the
// manager's per-tier hit counters.
func (t *TieredCache) Stats() TieredStats {
	t.mu.RLock()
	counters := t.counters
	mmapCount := len(t.mmaps)
	tracked := len(t.access)
	t.mu.RUnlock()

	stats := TieredStats{
		Memory:      t.memory.Stats(),
		ARC:         t.memory.ARCMetrics(),
		Disk:        t.disk.Stats(),
		MmapCount:   mmapCount,
		MemoryHits:  counters.memoryHits,
		DiskHits:    counters.diskHits,
		MmapHits:    counters.mmapHits,
		MmapCreates: counters.mmapCreates,
		Misses:      counters.misses,
		Promotions:  counters.promotions,
		Evictions:   counters.evictions,
		TrackedKeys: tracked,
	}

	hits := counters.memoryHits + counters.diskHits + counters.mmapHits
	if total := hits + counters.misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

// AccessStatsFor returns a copy of the global access record for key.
func (t *TieredCache) AccessStatsFor(key string) (types.AccessStats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if stats, ok := t.access[key]; ok {
		out := *stats
		out.Tiers = append([]types.Tier(nil), stats.Tiers...)
		return out, true
	}
	return types.AccessStats{}, false
}

// MemoryContains reports memory-tier residency; used by the prefetch
// engine to skip already-hot candidates.
func (t *TieredCache) MemoryContains(key string) bool {
	return t.memory.Contains(key)
}

// DiskSizeOf returns the logical size of key in the disk tier, or 0.
func (t *TieredCache) DiskSizeOf(key string) int64 {
	return t.disk.SizeOf(key)
}

// ReadRange reads a byte range of key from the disk tier.
func (t *TieredCache) ReadRange(key string, offset, length int64) ([]byte, bool) {
	return t.disk.GetRange(key, offset, length)
}

// Close releases every mmap view and persists the disk index.
func (t *TieredCache) Close() error {
	t.releaseAllMmaps()
	return t.disk.Close()
}

func (t *TieredCache) releaseAllMmaps() {
	t.mu.Lock()
	mappings := t.mmaps
	t.mmaps = make(map[string]*Mapping)
	t.mu.Unlock()

	for key, mapping := range mappings {
		if err := mapping.Release(); err != nil {
			t.logger.Warn("mmap release failed", "key", key, "error", err)
		}
	}
}

func (t *TieredCache) triggerPrefetch(key string, tier types.Tier) {
	t.mu.RLock()
	p := t.prefetcher
	t.mu.RUnlock()
	if p != nil {
		p.TriggerPrefetch(key, tier)
	}
}

// seedAccess backfills the global record for a key whose accesses
// predate this process, so entries surviving a restart keep their
// promotion standing. A no-op when the key is already tracked.
func (t *TieredCache) seedAccess(key string, priorCount int64, firstSeen time.Time) {
	if priorCount <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.access[key]; !ok {
		t.access[key] = &types.AccessStats{
			Key:         key,
			FirstAccess: firstSeen,
			LastAccess:  firstSeen,
			AccessCount: priorCount,
		}
	}
}

// recordAccess updates the global per-key record after a hit and
// returns the new access count.
func (t *TieredCache) recordAccess(key string, size int64, tier types.Tier) int64 {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	stats, ok := t.access[key]
	if !ok {
		stats = &types.AccessStats{Key: key, FirstAccess: now}
		t.access[key] = stats
	}
	stats.Size = size
	stats.LastAccess = now
	stats.AccessCount++
	addTier(stats, tier)

	switch tier {
	case types.TierMemory:
		stats.MemoryHits++
		t.counters.memoryHits++
	case types.TierDisk:
		stats.DiskHits++
		t.counters.diskHits++
	case types.TierMmap:
		stats.MmapHits++
	}
	stats.HeatScore = globalHeat(stats, now)
	return stats.AccessCount
}

func (t *TieredCache) recordPut(key string, size int64, tiers []types.Tier) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	stats, ok := t.access[key]
	if !ok {
		stats = &types.AccessStats{Key: key, FirstAccess: now}
		t.access[key] = stats
	}
	stats.Size = size
	stats.LastAccess = now
	stats.AccessCount++
	for _, tier := range tiers {
		addTier(stats, tier)
	}
	stats.HeatScore = globalHeat(stats, now)
}

func addTier(stats *types.AccessStats, tier types.Tier) {
	for _, existing := range stats.Tiers {
		if existing == tier {
			return
		}
	}
	stats.Tiers = append(stats.Tiers, tier)
}

// globalHeat is the manager-level heat score, distinct from the memory
// tier's internal score: raw access count scaled by hourly recency and
// a logarithmic age bonus for long-lived keys.
func globalHeat(stats *types.AccessStats, now time.Time) float64 {
	age := stats.LastAccess.Sub(stats.FirstAccess).Seconds()
	if age < 0 {
		age = 0
	}
	recency := 1.0 / (1.0 + now.Sub(stats.LastAccess).Seconds()/3600.0)
	return float64(stats.AccessCount) * recency * (1.0 + math.Log(1.0+age/86400.0))
}
