package cache

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"

	"github.com/contentcache/contentcache/pkg/types"
)

const diskIndexFile = "cache_index.json"

// DiskCache is the persistent tier: one backing file per cached item
// plus a JSON index. The index is the source of truth at load time but
// is reconciled against the filesystem, so the tier self-heals after
// partial writes or out-of-band deletions.
type DiskCache struct {
	mu          sync.RWMutex
	directory   string
	capacity    int64
	currentSize int64
	index       map[string]*diskEntry
	compression bool
	logger      *slog.Logger

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	hits      uint64
	misses    uint64
	evictions uint64
	recorder  types.MetricsRecorder
}

// diskEntry is one index record. Size is the on-disk byte count and is
// what counts against capacity; LogicalSize is the original value length.
type diskEntry struct {
	Filename    string            `json:"filename"`
	Size        int64             `json:"size"`
	LogicalSize int64             `json:"logical_size"`
	Added       time.Time         `json:"added"`
	LastAccess  time.Time         `json:"last_access"`
	AccessCount int64             `json:"access_count"`
	Compressed  bool              `json:"compressed"`
	Checksum    digest.Digest     `json:"checksum"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// DiskStats extends tier statistics with content-type and age histograms.
type DiskStats struct {
	types.CacheStats
	ContentTypes map[string]int `json:"content_types"`
	AgeBuckets   map[string]int `json:"age_buckets"`
}

// NewDiskCache opens (or creates) a disk cache rooted at directory.
// Every index entry is verified against its backing file before the
// cache is handed out.
func NewDiskCache(directory string, capacity int64, compression bool) (*DiskCache, error) {
	if err := os.MkdirAll(directory, 0750); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	c := &DiskCache{
		directory:   directory,
		capacity:    capacity,
		index:       make(map[string]*diskEntry),
		compression: compression,
		logger:      slog.Default().With("component", "disk-cache", "directory", directory),
	}

	if compression {
		encoder, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		c.encoder = encoder
		c.decoder = decoder
	} else {
		// Decoder stays available so a cache written with compression
		// enabled can still be read after the option is turned off.
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		c.decoder = decoder
	}

	if err := c.loadAndVerify(); err != nil {
		return nil, err
	}
	return c, nil
}

// SetMetricsRecorder attaches a recorder for hit/miss/eviction events.
func (c *DiskCache) SetMetricsRecorder(r types.MetricsRecorder) {
	c.mu.Lock()
	c.recorder = r
	c.mu.Unlock()
}

// Get returns the stored bytes for key. Index entries whose backing file
// is missing or unreadable are pruned and reported as a miss.
func (c *DiskCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.index[key]
	if !ok {
		c.misses++
		return nil, false
	}

	data, err := c.readEntry(entry)
	if err != nil {
		c.logger.Info("dropping stale index entry", "key", key, "error", err)
		c.dropEntryLocked(key, entry)
		c.persistLocked()
		c.misses++
		return nil, false
	}

	entry.LastAccess = time.Now()
	entry.AccessCount++
	c.hits++
	if c.recorder != nil {
		c.recorder.RecordHit(types.TierDisk)
	}
	c.persistLocked()
	return data, true
}

// GetRange returns length bytes of the value starting at offset. Range
// reads serve streaming read-ahead, so they read only the requested
// window and do not update access statistics or persist the index;
// callers that want the stream counted use MarkAccess once. Ranges of
// compressed entries decode the whole value (zstd frames have no random
// access) but still skip the per-chunk bookkeeping.
func (c *DiskCache) GetRange(key string, offset, length int64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.index[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if offset < 0 || offset >= entry.LogicalSize || length <= 0 {
		return nil, false
	}
	end := offset + length
	if end > entry.LogicalSize {
		end = entry.LogicalSize
	}

	if entry.Compressed {
		data, err := c.readEntry(entry)
		if err != nil {
			c.logger.Info("dropping stale index entry", "key", key, "error", err)
			c.dropEntryLocked(key, entry)
			c.persistLocked()
			c.misses++
			return nil, false
		}
		return data[offset:end], true
	}

	file, err := os.Open(filepath.Join(c.directory, entry.Filename))
	if err != nil {
		c.logger.Info("dropping stale index entry", "key", key, "error", err)
		c.dropEntryLocked(key, entry)
		c.persistLocked()
		c.misses++
		return nil, false
	}
	defer file.Close()

	buf := make([]byte, end-offset)
	n, err := file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		c.misses++
		return nil, false
	}
	if n != len(buf) {
		c.misses++
		return nil, false
	}
	return buf, true
}

// MarkAccess records a single access for key without reading its value.
// Streaming read-ahead counts one access per stream rather than one per
// chunk so chunk count cannot skew the eviction score.
func (c *DiskCache) MarkAccess(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.index[key]
	if !ok {
		return
	}
	entry.LastAccess = time.Now()
	entry.AccessCount++
	c.hits++
	c.persistLocked()
}

// Put writes value to a new backing file and records it in the index.
// Values larger than the tier capacity are rejected; a failed write
// leaves no partial file behind.
func (c *DiskCache) Put(key string, value []byte, metadata map[string]string) bool {
	logicalSize := int64(len(value))
	if logicalSize > c.capacity {
		c.logger.Warn("rejecting oversize item", "key", key, "size", logicalSize, "capacity", c.capacity)
		return false
	}

	stored := value
	compressed := false
	if c.compression && len(value) > 0 {
		stored = c.encoder.EncodeAll(value, nil)
		compressed = true
	}
	storedSize := int64(len(stored))
	if storedSize > c.capacity {
		stored = value
		compressed = false
		storedSize = logicalSize
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.index[key]; ok {
		c.dropEntryLocked(key, existing)
	}

	if c.currentSize+storedSize > c.capacity {
		c.makeRoomLocked(storedSize)
	}

	filename := c.filenameFor(key)
	path := filepath.Join(c.directory, filename)
	if err := os.WriteFile(path, stored, 0600); err != nil {
		c.logger.Error("failed to write cache file", "key", key, "error", err)
		_ = os.Remove(path)
		return false
	}

	now := time.Now()
	c.index[key] = &diskEntry{
		Filename:    filename,
		Size:        storedSize,
		LogicalSize: logicalSize,
		Added:       now,
		LastAccess:  now,
		AccessCount: 1,
		Compressed:  compressed,
		Checksum:    digest.FromBytes(value),
		Metadata:    metadata,
	}
	c.currentSize += storedSize
	c.persistLocked()
	if c.recorder != nil {
		c.recorder.SetTierSize(types.TierDisk, c.currentSize, c.capacity)
	}
	return true
}

// Delete removes key and its backing file.
func (c *DiskCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.index[key]
	if !ok {
		return false
	}
	c.dropEntryLocked(key, entry)
	c.persistLocked()
	return true
}

// Contains reports whether key has an index entry.
func (c *DiskCache) Contains(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.index[key]
	return ok
}

// EntryStats returns the persisted access count and added time for key,
// so cross-restart access history can seed fresh in-memory records.
func (c *DiskCache) EntryStats(key string) (int64, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if entry, ok := c.index[key]; ok {
		return entry.AccessCount, entry.Added, true
	}
	return 0, time.Time{}, false
}

// SizeOf returns the logical (uncompressed) size of key, or 0 when absent.
func (c *DiskCache) SizeOf(key string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if entry, ok := c.index[key]; ok {
		return entry.LogicalSize
	}
	return 0
}

// Clear deletes every backing file and resets the index.
func (c *DiskCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.index {
		_ = os.Remove(filepath.Join(c.directory, entry.Filename))
		delete(c.index, key)
	}
	c.currentSize = 0
	c.persistLocked()
}

// Size returns the on-disk byte total.
func (c *DiskCache) Size() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentSize
}

// Close persists the index.
func (c *DiskCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveIndexLocked()
}

// Stats returns occupancy plus content-type and age histograms.
func (c *DiskCache) Stats() DiskStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := DiskStats{
		CacheStats: types.CacheStats{
			Hits:      c.hits,
			Misses:    c.misses,
			Evictions: c.evictions,
			Entries:   len(c.index),
			Size:      c.currentSize,
			Capacity:  c.capacity,
		},
		ContentTypes: make(map[string]int),
		AgeBuckets:   map[string]int{"<1h": 0, "1h-1d": 0, "1d-1w": 0, ">1w": 0},
	}
	total := c.hits + c.misses
	if total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	if c.capacity > 0 {
		stats.Utilization = float64(c.currentSize) / float64(c.capacity)
	}

	now := time.Now()
	for _, entry := range c.index {
		contentType := entry.Metadata["content_type"]
		if contentType == "" {
			contentType = "unknown"
		}
		stats.ContentTypes[contentType]++

		age := now.Sub(entry.Added)
		switch {
		case age < time.Hour:
			stats.AgeBuckets["<1h"]++
		case age < 24*time.Hour:
			stats.AgeBuckets["1h-1d"]++
		case age < 7*24*time.Hour:
			stats.AgeBuckets["1d-1w"]++
		default:
			stats.AgeBuckets[">1w"]++
		}
	}
	return stats
}

// FreeSpace evicts low-scored entries until required bytes would fit,
// returning the bytes actually freed.
func (c *DiskCache) FreeSpace(required int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := c.currentSize
	c.makeRoomLocked(required)
	c.persistLocked()
	return before - c.currentSize
}

// makeRoomLocked frees space for required bytes by deleting the
// lowest-scored entries first. A request larger than the whole tier
// clears everything.
func (c *DiskCache) makeRoomLocked(required int64) {
	if required > c.capacity {
		for key, entry := range c.index {
			_ = os.Remove(filepath.Join(c.directory, entry.Filename))
			delete(c.index, key)
		}
		c.currentSize = 0
		return
	}

	spaceToFree := c.currentSize + required - c.capacity
	if spaceToFree <= 0 {
		return
	}

	type scored struct {
		key   string
		entry *diskEntry
		score float64
	}
	now := time.Now()
	candidates := make([]scored, 0, len(c.index))
	for key, entry := range c.index {
		age := now.Sub(entry.Added).Seconds()
		recency := 1.0 / (1.0 + now.Sub(entry.LastAccess).Seconds()/86400.0)
		score := float64(entry.AccessCount) * recency / math.Sqrt(1.0+age/86400.0)
		candidates = append(candidates, scored{key: key, entry: entry, score: score})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score < candidates[j].score
	})

	freed := int64(0)
	for _, candidate := range candidates {
		if freed >= spaceToFree {
			break
		}
		freed += candidate.entry.Size
		c.dropEntryLocked(candidate.key, candidate.entry)
		if c.recorder != nil {
			c.recorder.RecordEviction(types.TierDisk, candidate.entry.Size)
		}
	}
}

func (c *DiskCache) dropEntryLocked(key string, entry *diskEntry) {
	_ = os.Remove(filepath.Join(c.directory, entry.Filename))
	delete(c.index, key)
	c.currentSize -= entry.Size
	c.evictions++
}

func (c *DiskCache) readEntry(entry *diskEntry) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(c.directory, entry.Filename))
	if err != nil {
		return nil, err
	}
	if entry.Compressed {
		data, err = c.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress: %w", err)
		}
	}
	if entry.Checksum != "" && digest.FromBytes(data) != entry.Checksum {
		return nil, fmt.Errorf("checksum mismatch")
	}
	return data, nil
}

// filenameFor derives a stable filename from the key. A digest suffix
// keys the file uniquely; distinct keys whose sanitized forms collide
// must never share a backing file. The sanitized prefix is kept for
// debuggability only.
func (c *DiskCache) filenameFor(key string) string {
	sum := digest.FromString(key).Encoded()
	sanitized := sanitizeKey(key)
	if len(sanitized) > 40 {
		sanitized = sanitized[:40]
	}
	if sanitized == "" {
		return sum[:32] + ".bin"
	}
	return sanitized + "-" + sum[:16] + ".bin"
}

func sanitizeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// loadAndVerify reads the index and reconciles it against the files
// actually present: missing files drop their entries, and currentSize is
// recomputed from surviving entries' real file sizes.
func (c *DiskCache) loadAndVerify() error {
	indexPath := filepath.Join(c.directory, diskIndexFile)
	data, err := os.ReadFile(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read cache index: %w", err)
	}

	var loaded map[string]*diskEntry
	if err := json.Unmarshal(data, &loaded); err != nil {
		c.logger.Warn("cache index corrupt, starting fresh", "error", err)
		return nil
	}

	c.currentSize = 0
	dropped := 0
	for key, entry := range loaded {
		info, err := os.Stat(filepath.Join(c.directory, entry.Filename))
		if err != nil {
			dropped++
			continue
		}
		entry.Size = info.Size()
		c.index[key] = entry
		c.currentSize += entry.Size
	}
	if dropped > 0 {
		c.logger.Info("dropped stale index entries", "count", dropped)
		c.persistLocked()
	}
	return nil
}

func (c *DiskCache) saveIndexLocked() error {
	indexPath := filepath.Join(c.directory, diskIndexFile)
	tmpPath := indexPath + ".tmp"

	data, err := json.Marshal(c.index)
	if err != nil {
		return fmt.Errorf("failed to marshal cache index: %w", err)
	}
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write cache index: %w", err)
	}
	return os.Rename(tmpPath, indexPath)
}

func (c *DiskCache) persistLocked() {
	if err := c.saveIndexLocked(); err != nil {
		c.logger.Error("failed to persist cache index", "error", err)
	}
}
