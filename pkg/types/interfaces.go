package types

// Tier identifies one storage level in the cache hierarchy.
type Tier string

const (
	TierMemory Tier = "memory"
	TierDisk   Tier = "disk"
	TierMmap   Tier = "mmap"
)

// Cache defines the operations every cache tier supports.
type Cache interface {
	Get(key string) ([]byte, bool)
	Put(key string, value []byte) bool
	Delete(key string) bool
	Contains(key string) bool
	Clear()
	Size() int64
	Stats() CacheStats
}

// MetricsRecorder receives cache events for export to monitoring.
// Implementations must be safe for concurrent use.
type MetricsRecorder interface {
	RecordHit(tier Tier)
	RecordMiss()
	RecordEviction(tier Tier, bytes int64)
	RecordPrefetch(predicted, fetched, alreadyCached int)
	SetTierSize(tier Tier, size, capacity int64)
	SetARCTarget(p int64)
}
