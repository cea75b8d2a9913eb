package types

import (
	"time"
)

// CacheStats represents cache performance statistics for a single tier.
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Entries     int     `json:"entries"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// AccessStats tracks per-key access history. The tiered cache keeps one
// record per known key; each tier additionally maintains its own copy so
// eviction decisions never depend on another tier's bookkeeping.
type AccessStats struct {
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	FirstAccess time.Time `json:"first_access"`
	LastAccess  time.Time `json:"last_access"`
	AccessCount int64     `json:"access_count"`
	HeatScore   float64   `json:"heat_score"`
	Tiers       []Tier    `json:"tiers"`
	MemoryHits  uint64    `json:"memory_hits"`
	DiskHits    uint64    `json:"disk_hits"`
	MmapHits    uint64    `json:"mmap_hits"`
}

// PrefetchCandidate is a key predicted to be accessed soon, ranked by a
// blended transition-probability / relationship-weight score.
type PrefetchCandidate struct {
	Key    string  `json:"key"`
	Score  float64 `json:"score"`
	Source string  `json:"source"` // "markov" or "graph"
}

// PrefetchMetrics records the outcome of a single prefetch run.
type PrefetchMetrics struct {
	Key           string        `json:"key"`
	Predicted     int           `json:"predicted"`
	Prefetched    int           `json:"prefetched"`
	AlreadyCached int           `json:"already_cached"`
	TimeTaken     time.Duration `json:"time_taken"`
}

// PrefetchStats aggregates prefetch activity over the process lifetime.
type PrefetchStats struct {
	Operations      uint64 `json:"operations"`
	ItemsPrefetched uint64 `json:"items_prefetched"`
	AlreadyCached   uint64 `json:"already_cached"`
	BytesPrefetched int64  `json:"bytes_prefetched"`
}
