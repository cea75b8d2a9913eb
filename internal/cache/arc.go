package cache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/contentcache/contentcache/internal/config"
	"github.com/contentcache/contentcache/pkg/types"
)

// ARCCache is the in-process memory tier, an Adaptive Replacement Cache
// bounded by total byte size. Two resident lists split the capacity: T1
// holds keys seen once recently, T2 holds keys accessed more than once.
// Ghost lists B1/B2 remember keys recently evicted from each side and
// steer the adaptive target p: a hit in B1 means T1 was squeezed too
// hard, so p grows; a hit in B2 shrinks it.
type ARCCache struct {
	mu       sync.RWMutex
	capacity int64
	cfg      config.ARCConfig
	logger   *slog.Logger

	t1     map[string]*arcEntry // recency-favored residents
	t2     map[string]*arcEntry // frequency-favored residents
	t1Size int64
	t2Size int64

	b1 *ghostList // ghosts of T1 evictions
	b2 *ghostList // ghosts of T2 evictions

	p    int64 // adaptive target size for T1
	maxP int64

	access map[string]*keyStats

	stats    arcCounters
	recorder types.MetricsRecorder
}

type arcEntry struct {
	value []byte
	size  int64
}

// keyStats is the per-key access record the memory tier keeps for heat
// scoring and T1 LRU ordering. Never shared with other tiers.
type keyStats struct {
	firstAccess time.Time
	lastAccess  time.Time
	accessCount int64
	heatScore   float64
}

type arcCounters struct {
	t1Hits      uint64
	t2Hits      uint64
	misses      uint64
	b1Hits      uint64
	b2Hits      uint64
	t1Evictions uint64
	t2Evictions uint64
	promotions  uint64
	pIncreases  uint64
	pDecreases  uint64
	oversize    uint64
}

// ARCMetrics exposes the adaptive state for tuning and tests.
type ARCMetrics struct {
	T1Size        int64   `json:"t1_size"`
	T2Size        int64   `json:"t2_size"`
	T1Entries     int     `json:"t1_entries"`
	T2Entries     int     `json:"t2_entries"`
	B1Entries     int     `json:"b1_entries"`
	B2Entries     int     `json:"b2_entries"`
	P             int64   `json:"p"`
	MaxP          int64   `json:"max_p"`
	T1HitRate     float64 `json:"t1_hit_rate"`
	T2HitRate     float64 `json:"t2_hit_rate"`
	GhostHitRate  float64 `json:"ghost_hit_rate"`
	PIncreases    uint64  `json:"p_increases"`
	PDecreases    uint64  `json:"p_decreases"`
	Promotions    uint64  `json:"promotions"`
	T1Evictions   uint64  `json:"t1_evictions"`
	T2Evictions   uint64  `json:"t2_evictions"`
	OversizePuts  uint64  `json:"oversize_puts"`
	T1TargetRatio float64 `json:"t1_target_ratio"`
}

// NewARCCache creates a memory tier with the given byte capacity.
func NewARCCache(capacity int64, cfg config.ARCConfig) *ARCCache {
	if cfg.GhostListSize <= 0 {
		cfg.GhostListSize = 1024
	}
	if cfg.MaxPPercent <= 0 || cfg.MaxPPercent > 1 {
		cfg.MaxPPercent = 0.5
	}
	if cfg.HeatDecayHours <= 0 {
		cfg.HeatDecayHours = 1.0
	}
	if cfg.FrequencyWeight == 0 && cfg.RecencyWeight == 0 {
		cfg.FrequencyWeight = 0.7
		cfg.RecencyWeight = 0.3
	}
	if cfg.AccessBoost <= 0 {
		cfg.AccessBoost = 2.0
	}

	maxP := int64(float64(capacity) * cfg.MaxPPercent)
	p := cfg.InitialP
	if p > maxP {
		p = maxP
	}

	return &ARCCache{
		capacity: capacity,
		cfg:      cfg,
		logger:   slog.Default().With("component", "arc-cache"),
		t1:       make(map[string]*arcEntry),
		t2:       make(map[string]*arcEntry),
		b1:       newGhostList(cfg.GhostListSize, cfg.GhostListPruning),
		b2:       newGhostList(cfg.GhostListSize, cfg.GhostListPruning),
		p:        p,
		maxP:     maxP,
		access:   make(map[string]*keyStats),
	}
}

// SetMetricsRecorder attaches a recorder for hit/miss/eviction events.
func (c *ARCCache) SetMetricsRecorder(r types.MetricsRecorder) {
	c.mu.Lock()
	c.recorder = r
	c.mu.Unlock()
}

// Get returns the cached value for key. A hit in T1 promotes the entry
// to T2; a hit in T2 leaves it in place.
func (c *ARCCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if entry, ok := c.t1[key]; ok {
		delete(c.t1, key)
		c.t1Size -= entry.size
		c.t2[key] = entry
		c.t2Size += entry.size

		c.touch(key, now)
		c.stats.t1Hits++
		c.stats.promotions++
		if c.recorder != nil {
			c.recorder.RecordHit(types.TierMemory)
		}
		return cloneBytes(entry.value), true
	}

	if entry, ok := c.t2[key]; ok {
		c.touch(key, now)
		c.stats.t2Hits++
		if c.recorder != nil {
			c.recorder.RecordHit(types.TierMemory)
		}
		return cloneBytes(entry.value), true
	}

	c.stats.misses++
	return nil, false
}

// Put stores value under key. Values larger than the tier capacity are
// rejected. Re-inserting a ghost key adapts p before the entry lands in
// T2; brand-new keys start in T1.
func (c *ARCCache) Put(key string, value []byte) bool {
	size := int64(len(value))
	if size > c.capacity {
		c.mu.Lock()
		c.stats.oversize++
		c.mu.Unlock()
		c.logger.Warn("rejecting oversize item", "key", key, "size", size, "capacity", c.capacity)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	stored := cloneBytes(value)

	// Resident key: overwrite in place, keep its list membership.
	if entry, ok := c.t1[key]; ok {
		c.t1Size += size - entry.size
		entry.value = stored
		entry.size = size
		c.touch(key, now)
		c.replace(0)
		return true
	}
	if entry, ok := c.t2[key]; ok {
		c.t2Size += size - entry.size
		entry.value = stored
		entry.size = size
		c.touch(key, now)
		c.replace(0)
		return true
	}

	switch {
	case c.b1.contains(key):
		// Recency ghost hit: T1 was evicted too eagerly, grow its target.
		delta := int64(c.b1.len())
		if delta > 0 {
			delta = int64(c.b2.len()) / delta
		}
		if delta < 1 {
			delta = 1
		}
		c.p = minInt64(c.p+delta, c.maxP)
		c.stats.b1Hits++
		c.stats.pIncreases++
		c.replace(size)
		c.b1.remove(key)
		c.t2[key] = &arcEntry{value: stored, size: size}
		c.t2Size += size

	case c.b2.contains(key):
		// Frequency ghost hit: shrink T1's target.
		delta := int64(c.b2.len())
		if delta > 0 {
			delta = int64(c.b1.len()) / delta
		}
		if delta < 1 {
			delta = 1
		}
		c.p = maxInt64(c.p-delta, 0)
		c.stats.b2Hits++
		c.stats.pDecreases++
		c.replace(size)
		c.b2.remove(key)
		c.t2[key] = &arcEntry{value: stored, size: size}
		c.t2Size += size

	default:
		c.replace(size)
		c.t1[key] = &arcEntry{value: stored, size: size}
		c.t1Size += size
	}

	c.touch(key, now)
	if c.recorder != nil {
		c.recorder.SetTierSize(types.TierMemory, c.t1Size+c.t2Size, c.capacity)
		c.recorder.SetARCTarget(c.p)
	}
	return true
}

// Delete removes key from whichever resident list holds it. Ghost
// entries are dropped as well, so a deleted key cannot adapt p later.
func (c *ARCCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.t1[key]; ok {
		delete(c.t1, key)
		c.t1Size -= entry.size
		delete(c.access, key)
		c.b1.remove(key)
		return true
	}
	if entry, ok := c.t2[key]; ok {
		delete(c.t2, key)
		c.t2Size -= entry.size
		delete(c.access, key)
		c.b2.remove(key)
		return true
	}
	c.b1.remove(key)
	c.b2.remove(key)
	return false
}

// Contains reports residency without updating access state.
func (c *ARCCache) Contains(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, inT1 := c.t1[key]
	_, inT2 := c.t2[key]
	return inT1 || inT2
}

// SizeOf returns the resident size of key, or 0 when absent.
func (c *ARCCache) SizeOf(key string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if entry, ok := c.t1[key]; ok {
		return entry.size
	}
	if entry, ok := c.t2[key]; ok {
		return entry.size
	}
	return 0
}

// Clear empties both resident lists and both ghost lists and resets p.
func (c *ARCCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.t1 = make(map[string]*arcEntry)
	c.t2 = make(map[string]*arcEntry)
	c.t1Size = 0
	c.t2Size = 0
	c.b1.clear()
	c.b2.clear()
	c.p = 0
	c.access = make(map[string]*keyStats)
}

// Size returns the resident byte total.
func (c *ARCCache) Size() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.t1Size + c.t2Size
}

// Stats returns tier-level statistics.
func (c *ARCCache) Stats() types.CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hits := c.stats.t1Hits + c.stats.t2Hits
	total := hits + c.stats.misses
	stats := types.CacheStats{
		Hits:      hits,
		Misses:    c.stats.misses,
		Evictions: c.stats.t1Evictions + c.stats.t2Evictions,
		Entries:   len(c.t1) + len(c.t2),
		Size:      c.t1Size + c.t2Size,
		Capacity:  c.capacity,
	}
	if total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	if c.capacity > 0 {
		stats.Utilization = float64(stats.Size) / float64(c.capacity)
	}
	return stats
}

// ARCMetrics returns the adaptive-replacement internals.
func (c *ARCCache) ARCMetrics() ARCMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m := ARCMetrics{
		T1Size:       c.t1Size,
		T2Size:       c.t2Size,
		T1Entries:    len(c.t1),
		T2Entries:    len(c.t2),
		B1Entries:    c.b1.len(),
		B2Entries:    c.b2.len(),
		P:            c.p,
		MaxP:         c.maxP,
		PIncreases:   c.stats.pIncreases,
		PDecreases:   c.stats.pDecreases,
		Promotions:   c.stats.promotions,
		T1Evictions:  c.stats.t1Evictions,
		T2Evictions:  c.stats.t2Evictions,
		OversizePuts: c.stats.oversize,
	}

	total := c.stats.t1Hits + c.stats.t2Hits + c.stats.misses
	if total > 0 {
		m.T1HitRate = float64(c.stats.t1Hits) / float64(total)
		m.T2HitRate = float64(c.stats.t2Hits) / float64(total)
		m.GhostHitRate = float64(c.stats.b1Hits+c.stats.b2Hits) / float64(total)
	}
	if c.maxP > 0 {
		m.T1TargetRatio = float64(c.p) / float64(c.maxP)
	}
	return m
}

// AccessRecords returns a snapshot of per-key access statistics, or nil
// when stats tracking is disabled.
func (c *ARCCache) AccessRecords() map[string]types.AccessStats {
	if !c.cfg.EnableStats {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]types.AccessStats, len(c.access))
	for key, stats := range c.access {
		out[key] = types.AccessStats{
			Key:         key,
			Size:        c.residentSize(key),
			FirstAccess: stats.firstAccess,
			LastAccess:  stats.lastAccess,
			AccessCount: stats.accessCount,
			HeatScore:   stats.heatScore,
		}
	}
	return out
}

func (c *ARCCache) residentSize(key string) int64 {
	if entry, ok := c.t1[key]; ok {
		return entry.size
	}
	if entry, ok := c.t2[key]; ok {
		return entry.size
	}
	return 0
}

// HeatScore returns the current derived heat for key, or 0 when the key
// has never been accessed.
func (c *ARCCache) HeatScore(key string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if stats, ok := c.access[key]; ok {
		return stats.heatScore
	}
	return 0
}

// replace evicts residents until required bytes fit inside capacity.
// T1 is evicted while it exceeds the adaptive target p, then T2.
func (c *ARCCache) replace(required int64) {
	for c.t1Size+c.t2Size+required > c.capacity && (len(c.t1) > 0 || len(c.t2) > 0) {
		switch {
		case len(c.t1) > 0 && c.t1Size > c.p:
			c.evictT1()
		case len(c.t2) > 0:
			c.evictT2()
		case len(c.t1) > 0:
			c.evictT1()
		default:
			return
		}
	}
}

// evictT1 drops the least-recently-accessed T1 resident into B1.
func (c *ARCCache) evictT1() {
	var victim string
	var oldest time.Time
	first := true
	for key := range c.t1 {
		last := c.lastAccess(key)
		if first || last.Before(oldest) {
			victim = key
			oldest = last
			first = false
		}
	}
	if first {
		return
	}

	entry := c.t1[victim]
	delete(c.t1, victim)
	c.t1Size -= entry.size
	c.b1.add(victim, float64(oldest.UnixNano()))
	c.stats.t1Evictions++
	if c.recorder != nil {
		c.recorder.RecordEviction(types.TierMemory, entry.size)
	}
}

// evictT2 drops the coldest T2 resident into B2.
func (c *ARCCache) evictT2() {
	var victim string
	lowest := 0.0
	first := true
	for key := range c.t2 {
		heat := 0.0
		if stats, ok := c.access[key]; ok {
			heat = stats.heatScore
		}
		if first || heat < lowest {
			victim = key
			lowest = heat
			first = false
		}
	}
	if first {
		return
	}

	entry := c.t2[victim]
	delete(c.t2, victim)
	c.t2Size -= entry.size
	c.b2.add(victim, lowest)
	c.stats.t2Evictions++
	if c.recorder != nil {
		c.recorder.RecordEviction(types.TierMemory, entry.size)
	}
}

// touch updates the access record and recomputes the heat score from the
// stored timestamps and counters. The score is always derived fresh so a
// long-lived process cannot accumulate drift.
func (c *ARCCache) touch(key string, now time.Time) {
	stats, ok := c.access[key]
	if !ok {
		stats = &keyStats{firstAccess: now}
		c.access[key] = stats
	}

	decayWindow := 3600.0 * c.cfg.HeatDecayHours

	sinceLast := 0.0
	if !stats.lastAccess.IsZero() {
		sinceLast = now.Sub(stats.lastAccess).Seconds()
	}
	stats.accessCount++
	stats.lastAccess = now

	// Floor the age at one second so frequency never exceeds the access
	// count and a brand-new key cannot outrank established hot keys.
	age := now.Sub(stats.firstAccess).Seconds()
	if age < 1 {
		age = 1
	}

	recency := 1.0 / (1.0 + sinceLast/decayWindow)
	frequency := float64(stats.accessCount) / age
	boost := 1.0
	if sinceLast < decayWindow {
		boost = c.cfg.AccessBoost
	}
	stats.heatScore = (frequency*c.cfg.FrequencyWeight + recency*c.cfg.RecencyWeight) * boost
}

func (c *ARCCache) lastAccess(key string) time.Time {
	if stats, ok := c.access[key]; ok {
		return stats.lastAccess
	}
	return time.Time{}
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
