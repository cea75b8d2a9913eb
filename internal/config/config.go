package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the complete configuration for the tiered cache engine.
// All sizes are byte counts.
type Config struct {
	MemoryCacheSize     int64  // memory tier capacity
	LocalCacheSize      int64  // disk tier capacity
	LocalCachePath      string // disk tier directory
	MaxItemSize         int64  // largest item eligible for the memory tier
	MinAccessCount      int    // accesses before an item is considered hot
	EnableMemoryMapping bool   // allow mmap views of large items
	Compression         bool   // zstd-compress disk tier files

	ARC        ARCConfig
	Predictive PredictiveConfig
	Metrics    MetricsConfig
}

// ARCConfig tunes the adaptive replacement memory tier.
type ARCConfig struct {
	GhostListSize    int     // max keys per ghost list
	InitialP         int64   // starting target size for T1
	MaxPPercent      float64 // upper bound on p as a fraction of capacity
	FrequencyWeight  float64 // heat score frequency coefficient
	RecencyWeight    float64 // heat score recency coefficient
	AccessBoost      float64 // multiplier for recently accessed entries
	HeatDecayHours   float64 // recency half-life in hours
	GhostListPruning bool    // prune ghost lists in batches when over cap
	EnableStats      bool    // track per-key access stats
}

// PredictiveConfig tunes the prefetch engine.
type PredictiveConfig struct {
	PatternTrackingEnabled      bool
	RelationshipTrackingEnabled bool
	PrefetchingEnabled          bool
	MaxPrefetchItems            int
	ThreadPoolSize              int
	PrefetchTimeout             time.Duration
	StreamingThreshold          int64
	StreamingBufferSize         int64
	MaxParallelPrefetch         int
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled   bool
	Port      int
	Path      string
	Namespace string
}

// NewDefault returns a configuration with the documented defaults.
func NewDefault() *Config {
	return &Config{
		MemoryCacheSize:     100 * 1024 * 1024,
		LocalCacheSize:      1024 * 1024 * 1024,
		LocalCachePath:      defaultCachePath(),
		MaxItemSize:         50 * 1024 * 1024,
		MinAccessCount:      2,
		EnableMemoryMapping: true,
		Compression:         false,
		ARC: ARCConfig{
			GhostListSize:    1024,
			InitialP:         0,
			MaxPPercent:      0.5,
			FrequencyWeight:  0.7,
			RecencyWeight:    0.3,
			AccessBoost:      2.0,
			HeatDecayHours:   1.0,
			GhostListPruning: true,
			EnableStats:      true,
		},
		Predictive: PredictiveConfig{
			PatternTrackingEnabled:      true,
			RelationshipTrackingEnabled: true,
			PrefetchingEnabled:          true,
			MaxPrefetchItems:            5,
			ThreadPoolSize:              4,
			PrefetchTimeout:             30 * time.Second,
			StreamingThreshold:          10 * 1024 * 1024,
			StreamingBufferSize:         1024 * 1024,
			MaxParallelPrefetch:         4,
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "contentcache",
		},
	}
}

// fileConfig mirrors Config for YAML parsing. Sizes are strings so files
// can say "100MB" instead of a raw byte count. Unknown keys are rejected.
type fileConfig struct {
	MemoryCacheSize     string `yaml:"memory_cache_size"`
	LocalCacheSize      string `yaml:"local_cache_size"`
	LocalCachePath      string `yaml:"local_cache_path"`
	MaxItemSize         string `yaml:"max_item_size"`
	MinAccessCount      *int   `yaml:"min_access_count"`
	EnableMemoryMapping *bool  `yaml:"enable_memory_mapping"`
	Compression         *bool  `yaml:"compression"`

	ARC struct {
		GhostListSize    *int     `yaml:"ghost_list_size"`
		InitialP         string   `yaml:"initial_p"`
		MaxPPercent      *float64 `yaml:"max_p_percent"`
		FrequencyWeight  *float64 `yaml:"frequency_weight"`
		RecencyWeight    *float64 `yaml:"recency_weight"`
		AccessBoost      *float64 `yaml:"access_boost"`
		HeatDecayHours   *float64 `yaml:"heat_decay_hours"`
		GhostListPruning *bool    `yaml:"ghost_list_pruning"`
		EnableStats      *bool    `yaml:"enable_stats"`
	} `yaml:"arc"`

	Predictive struct {
		PatternTrackingEnabled      *bool         `yaml:"pattern_tracking_enabled"`
		RelationshipTrackingEnabled *bool         `yaml:"relationship_tracking_enabled"`
		PrefetchingEnabled          *bool         `yaml:"prefetching_enabled"`
		MaxPrefetchItems            *int          `yaml:"max_prefetch_items"`
		ThreadPoolSize              *int          `yaml:"thread_pool_size"`
		PrefetchTimeout             time.Duration `yaml:"prefetch_timeout"`
		StreamingThreshold          string        `yaml:"streaming_threshold"`
		StreamingBufferSize         string        `yaml:"streaming_buffer_size"`
		MaxParallelPrefetch         *int          `yaml:"max_parallel_prefetch"`
	} `yaml:"predictive"`

	Metrics struct {
		Enabled   *bool  `yaml:"enabled"`
		Port      *int   `yaml:"port"`
		Path      string `yaml:"path"`
		Namespace string `yaml:"namespace"`
	} `yaml:"metrics"`
}

// LoadFromFile merges settings from a YAML file into the configuration.
// Unknown keys fail the load.
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.UnmarshalStrict(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return c.apply(&fc)
}

func (c *Config) apply(fc *fileConfig) error {
	if err := applySize(&c.MemoryCacheSize, fc.MemoryCacheSize, "memory_cache_size"); err != nil {
		return err
	}
	if err := applySize(&c.LocalCacheSize, fc.LocalCacheSize, "local_cache_size"); err != nil {
		return err
	}
	if fc.LocalCachePath != "" {
		c.LocalCachePath = fc.LocalCachePath
	}
	if err := applySize(&c.MaxItemSize, fc.MaxItemSize, "max_item_size"); err != nil {
		return err
	}
	applyInt(&c.MinAccessCount, fc.MinAccessCount)
	applyBool(&c.EnableMemoryMapping, fc.EnableMemoryMapping)
	applyBool(&c.Compression, fc.Compression)

	applyInt(&c.ARC.GhostListSize, fc.ARC.GhostListSize)
	if err := applySize(&c.ARC.InitialP, fc.ARC.InitialP, "arc.initial_p"); err != nil {
		return err
	}
	applyFloat(&c.ARC.MaxPPercent, fc.ARC.MaxPPercent)
	applyFloat(&c.ARC.FrequencyWeight, fc.ARC.FrequencyWeight)
	applyFloat(&c.ARC.RecencyWeight, fc.ARC.RecencyWeight)
	applyFloat(&c.ARC.AccessBoost, fc.ARC.AccessBoost)
	applyFloat(&c.ARC.HeatDecayHours, fc.ARC.HeatDecayHours)
	applyBool(&c.ARC.GhostListPruning, fc.ARC.GhostListPruning)
	applyBool(&c.ARC.EnableStats, fc.ARC.EnableStats)

	applyBool(&c.Predictive.PatternTrackingEnabled, fc.Predictive.PatternTrackingEnabled)
	applyBool(&c.Predictive.RelationshipTrackingEnabled, fc.Predictive.RelationshipTrackingEnabled)
	applyBool(&c.Predictive.PrefetchingEnabled, fc.Predictive.PrefetchingEnabled)
	applyInt(&c.Predictive.MaxPrefetchItems, fc.Predictive.MaxPrefetchItems)
	applyInt(&c.Predictive.ThreadPoolSize, fc.Predictive.ThreadPoolSize)
	if fc.Predictive.PrefetchTimeout > 0 {
		c.Predictive.PrefetchTimeout = fc.Predictive.PrefetchTimeout
	}
	if err := applySize(&c.Predictive.StreamingThreshold, fc.Predictive.StreamingThreshold, "predictive.streaming_threshold"); err != nil {
		return err
	}
	if err := applySize(&c.Predictive.StreamingBufferSize, fc.Predictive.StreamingBufferSize, "predictive.streaming_buffer_size"); err != nil {
		return err
	}
	applyInt(&c.Predictive.MaxParallelPrefetch, fc.Predictive.MaxParallelPrefetch)

	applyBool(&c.Metrics.Enabled, fc.Metrics.Enabled)
	applyInt(&c.Metrics.Port, fc.Metrics.Port)
	if fc.Metrics.Path != "" {
		c.Metrics.Path = fc.Metrics.Path
	}
	if fc.Metrics.Namespace != "" {
		c.Metrics.Namespace = fc.Metrics.Namespace
	}

	return nil
}

// LoadFromEnv applies CONTENTCACHE_* environment variable overrides.
func (c *Config) LoadFromEnv() error {
	if val := os.Getenv("CONTENTCACHE_MEMORY_CACHE_SIZE"); val != "" {
		size, err := ParseSize(val)
		if err != nil {
			return fmt.Errorf("CONTENTCACHE_MEMORY_CACHE_SIZE: %w", err)
		}
		c.MemoryCacheSize = size
	}
	if val := os.Getenv("CONTENTCACHE_LOCAL_CACHE_SIZE"); val != "" {
		size, err := ParseSize(val)
		if err != nil {
			return fmt.Errorf("CONTENTCACHE_LOCAL_CACHE_SIZE: %w", err)
		}
		c.LocalCacheSize = size
	}
	if val := os.Getenv("CONTENTCACHE_LOCAL_CACHE_PATH"); val != "" {
		c.LocalCachePath = val
	}
	if val := os.Getenv("CONTENTCACHE_MAX_ITEM_SIZE"); val != "" {
		size, err := ParseSize(val)
		if err != nil {
			return fmt.Errorf("CONTENTCACHE_MAX_ITEM_SIZE: %w", err)
		}
		c.MaxItemSize = size
	}
	if val := os.Getenv("CONTENTCACHE_ENABLE_MEMORY_MAPPING"); val != "" {
		c.EnableMemoryMapping = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("CONTENTCACHE_PREFETCHING"); val != "" {
		c.Predictive.PrefetchingEnabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("CONTENTCACHE_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Metrics.Port = port
		}
	}
	return nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.MemoryCacheSize <= 0 {
		return fmt.Errorf("memory_cache_size must be greater than 0")
	}
	if c.LocalCacheSize <= 0 {
		return fmt.Errorf("local_cache_size must be greater than 0")
	}
	if c.LocalCachePath == "" {
		return fmt.Errorf("local_cache_path must not be empty")
	}
	if c.MaxItemSize <= 0 || c.MaxItemSize > c.MemoryCacheSize {
		return fmt.Errorf("max_item_size must be in (0, memory_cache_size]")
	}
	if c.ARC.GhostListSize <= 0 {
		return fmt.Errorf("arc.ghost_list_size must be greater than 0")
	}
	if c.ARC.MaxPPercent <= 0 || c.ARC.MaxPPercent > 1 {
		return fmt.Errorf("arc.max_p_percent must be in (0, 1]")
	}
	if c.ARC.HeatDecayHours <= 0 {
		return fmt.Errorf("arc.heat_decay_hours must be greater than 0")
	}
	if c.Predictive.ThreadPoolSize <= 0 {
		return fmt.Errorf("predictive.thread_pool_size must be greater than 0")
	}
	if c.Predictive.MaxPrefetchItems <= 0 {
		return fmt.Errorf("predictive.max_prefetch_items must be greater than 0")
	}
	if c.Predictive.StreamingBufferSize <= 0 {
		return fmt.Errorf("predictive.streaming_buffer_size must be greater than 0")
	}
	if c.Predictive.MaxParallelPrefetch <= 0 {
		return fmt.Errorf("predictive.max_parallel_prefetch must be greater than 0")
	}
	return nil
}

// ParseSize converts a human-readable size ("100MB", "1GB", "512") to bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "TB"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "TB")
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("size must not be negative")
	}
	return value * multiplier, nil
}

func defaultCachePath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + string(os.PathSeparator) + "contentcache"
	}
	return os.TempDir() + string(os.PathSeparator) + "contentcache"
}

func applySize(dst *int64, val, field string) error {
	if val == "" {
		return nil
	}
	size, err := ParseSize(val)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = size
	return nil
}

func applyInt(dst *int, val *int) {
	if val != nil {
		*dst = *val
	}
}

func applyBool(dst *bool, val *bool) {
	if val != nil {
		*dst = *val
	}
}

func applyFloat(dst *float64, val *float64) {
	if val != nil {
		*dst = *val
	}
}
