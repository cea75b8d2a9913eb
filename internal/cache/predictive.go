package cache

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/contentcache/contentcache/internal/config"
	"github.com/contentcache/contentcache/pkg/types"
)

const (
	accessHistoryLimit = 1000
	workloadWindow     = 20
)

// WorkloadClass categorizes the recent access pattern.
type WorkloadClass string

const (
	WorkloadMixed          WorkloadClass = "mixed"
	WorkloadSequentialScan WorkloadClass = "sequential_scan"
	WorkloadClustering     WorkloadClass = "clustering"
)

// Related pairs a key with a relationship weight.
type Related struct {
	Key    string
	Weight float64
}

// PredictiveCache wraps a TieredCache and schedules background prefetch
// of keys it expects to be requested soon. It learns first-order
// transition probabilities from the observed access sequence, accepts
// explicit content relationships, and classifies the current workload
// to tune how far ahead it reaches. It stores no content bytes itself.
type PredictiveCache struct {
	tiered *TieredCache
	cfg    config.PredictiveConfig
	logger *slog.Logger

	mu          sync.RWMutex
	history     []string
	lastKey     string
	transitions map[string]map[string]int64
	graph       map[string]map[string]float64
	workload    WorkloadClass
	stats       types.PrefetchStats
	lastRun     types.PrefetchMetrics
	recorder    types.MetricsRecorder

	jobs      chan prefetchJob
	quit      chan struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
	inFlight  atomic.Int64

	readAhead *readAheadState
}

type prefetchJob struct {
	key         string
	sourceTier  types.Tier
	scheduledAt time.Time
}

// NewPredictiveCache starts the prefetch worker pool over tiered.
// Callers should also register the result on the tiered cache with
// SetPrefetcher so hits feed the access sequence.
func NewPredictiveCache(tiered *TieredCache, cfg config.PredictiveConfig) *PredictiveCache {
	if cfg.ThreadPoolSize <= 0 {
		cfg.ThreadPoolSize = 4
	}
	if cfg.MaxPrefetchItems <= 0 {
		cfg.MaxPrefetchItems = 5
	}
	if cfg.PrefetchTimeout <= 0 {
		cfg.PrefetchTimeout = 30 * time.Second
	}

	p := &PredictiveCache{
		tiered:      tiered,
		cfg:         cfg,
		logger:      slog.Default().With("component", "predictive-cache"),
		transitions: make(map[string]map[string]int64),
		graph:       make(map[string]map[string]float64),
		workload:    WorkloadMixed,
		jobs:        make(chan prefetchJob, 100),
		quit:        make(chan struct{}),
	}

	if cfg.StreamingThreshold > 0 {
		p.SetupReadAhead(ReadAheadConfig{
			StreamingThreshold:  cfg.StreamingThreshold,
			StreamingBufferSize: cfg.StreamingBufferSize,
			MaxParallelPrefetch: cfg.MaxParallelPrefetch,
		})
	}

	for i := 0; i < cfg.ThreadPoolSize; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// SetMetricsRecorder attaches a recorder for prefetch outcomes.
func (p *PredictiveCache) SetMetricsRecorder(r types.MetricsRecorder) {
	p.mu.Lock()
	p.recorder = r
	p.mu.Unlock()
}

// RecordAccess appends key to the bounded access history and updates the
// transition table for the previous key.
func (p *PredictiveCache) RecordAccess(key string) {
	if !p.cfg.PatternTrackingEnabled {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lastKey != "" && p.lastKey != key {
		row, ok := p.transitions[p.lastKey]
		if !ok {
			row = make(map[string]int64)
			p.transitions[p.lastKey] = row
		}
		row[key]++
	}
	p.lastKey = key

	p.history = append(p.history, key)
	if len(p.history) > accessHistoryLimit {
		p.history = p.history[len(p.history)-accessHistoryLimit:]
	}

	p.updateWorkloadLocked()
}

// PredictNextAccess normalizes the transition counts out of key into
// probabilities and returns the topN most likely successors.
func (p *PredictiveCache) PredictNextAccess(key string, topN int) []types.PrefetchCandidate {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.predictLocked(key, topN)
}

func (p *PredictiveCache) predictLocked(key string, topN int) []types.PrefetchCandidate {
	row, ok := p.transitions[key]
	if !ok || len(row) == 0 || topN <= 0 {
		return nil
	}

	total := int64(0)
	for _, count := range row {
		total += count
	}

	candidates := make([]types.PrefetchCandidate, 0, len(row))
	for next, count := range row {
		candidates = append(candidates, types.PrefetchCandidate{
			Key:    next,
			Score:  float64(count) / float64(total),
			Source: "markov",
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Key < candidates[j].Key
	})
	if len(candidates) > topN {
		candidates = candidates[:topN]
	}
	return candidates
}

// RecordRelatedContent inserts symmetric weighted edges between key and
// each related key.
func (p *PredictiveCache) RecordRelatedContent(key string, related []Related) {
	if !p.cfg.RelationshipTrackingEnabled {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, rel := range related {
		if rel.Key == key {
			continue
		}
		p.addEdgeLocked(key, rel.Key, rel.Weight)
		p.addEdgeLocked(rel.Key, key, rel.Weight)
	}
}

func (p *PredictiveCache) addEdgeLocked(from, to string, weight float64) {
	row, ok := p.graph[from]
	if !ok {
		row = make(map[string]float64)
		p.graph[from] = row
	}
	row[to] = weight
}

// RelatedContent returns the graph neighbors of key with their weights.
func (p *PredictiveCache) RelatedContent(key string) map[string]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	row, ok := p.graph[key]
	if !ok {
		return nil
	}
	out := make(map[string]float64, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// Workload returns the current workload classification.
func (p *PredictiveCache) Workload() WorkloadClass {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.workload
}

// TriggerPrefetch schedules a background prefetch seeded from key. It
// never blocks: when the queue is full the job is dropped.
func (p *PredictiveCache) TriggerPrefetch(key string, sourceTier types.Tier) {
	if !p.cfg.PrefetchingEnabled || p.closed.Load() {
		return
	}

	p.RecordAccess(key)

	job := prefetchJob{key: key, sourceTier: sourceTier, scheduledAt: time.Now()}
	select {
	case p.jobs <- job:
	case <-p.quit:
	default:
		// Queue full: prefetch is best effort.
	}
}

// InFlight returns the number of prefetch jobs currently executing.
func (p *PredictiveCache) InFlight() int64 {
	return p.inFlight.Load()
}

// PrefetchStats returns the aggregate prefetch counters.
func (p *PredictiveCache) PrefetchStats() types.PrefetchStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// LastPrefetchMetrics returns the outcome of the most recent prefetch run.
func (p *PredictiveCache) LastPrefetchMetrics() types.PrefetchMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastRun
}

// Shutdown stops the worker pool and waits for in-flight jobs. Safe to
// call repeatedly, and safe when no prefetch was ever triggered.
func (p *PredictiveCache) Shutdown() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.quit)
		p.wg.Wait()
	})
}

func (p *PredictiveCache) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case job := <-p.jobs:
			p.inFlight.Add(1)
			p.executePrefetch(job)
			p.inFlight.Add(-1)
		}
	}
}

// executePrefetch resolves candidates for the job's key and warms them
// through the tiered cache. Fetches pass prefetch=false so they can
// never cascade into further prefetch. The whole run is bounded by the
// configured prefetch timeout.
func (p *PredictiveCache) executePrefetch(job prefetchJob) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PrefetchTimeout)
	defer cancel()

	candidates := p.identifyCandidates(job.key, p.cfg.MaxPrefetchItems)

	metrics := types.PrefetchMetrics{Key: job.key, Predicted: len(candidates)}
	bytes := int64(0)

	for _, candidate := range candidates {
		select {
		case <-ctx.Done():
			p.logger.Debug("prefetch timed out", "key", job.key)
			goto done
		case <-p.quit:
			goto done
		default:
		}

		if p.tiered.MemoryContains(candidate.Key) {
			metrics.AlreadyCached++
			continue
		}

		if ra := p.readAheadState(); ra != nil {
			if size := p.tiered.DiskSizeOf(candidate.Key); size > ra.cfg.StreamingThreshold {
				n, err := p.streamReadAhead(ctx, candidate.Key, size)
				if err == nil && n > 0 {
					metrics.Prefetched++
					bytes += n
				}
				continue
			}
		}

		if value, ok := p.tiered.Get(candidate.Key, false); ok {
			metrics.Prefetched++
			bytes += int64(len(value))
		}
	}

done:
	metrics.TimeTaken = time.Since(start)

	p.mu.Lock()
	p.lastRun = metrics
	p.stats.Operations++
	p.stats.ItemsPrefetched += uint64(metrics.Prefetched)
	p.stats.AlreadyCached += uint64(metrics.AlreadyCached)
	p.stats.BytesPrefetched += bytes
	recorder := p.recorder
	p.mu.Unlock()

	if recorder != nil {
		recorder.RecordPrefetch(metrics.Predicted, metrics.Prefetched, metrics.AlreadyCached)
	}
}

// identifyCandidates blends transition-probability predictions with
// relationship-graph neighbors, highest score first, excluding keys
// already resident in the memory tier. The workload classification
// tunes how far ahead the blend reaches.
func (p *PredictiveCache) identifyCandidates(key string, maxItems int) []types.PrefetchCandidate {
	p.mu.RLock()
	workload := p.workload

	lookahead := maxItems
	if workload == WorkloadSequentialScan {
		lookahead = maxItems * 2
	}

	scores := make(map[string]types.PrefetchCandidate)
	for _, cand := range p.predictLocked(key, lookahead) {
		scores[cand.Key] = cand
	}

	graphWeight := 0.5
	if workload == WorkloadClustering {
		graphWeight = 1.0
	}
	for neighbor, weight := range p.graph[key] {
		score := weight * graphWeight
		if existing, ok := scores[neighbor]; !ok || score > existing.Score {
			scores[neighbor] = types.PrefetchCandidate{Key: neighbor, Score: score, Source: "graph"}
		}
	}
	p.mu.RUnlock()

	// Sequential scans read derived-index keys in order; synthesize the
	// next few indices even before transitions have been observed.
	if workload == WorkloadSequentialScan {
		if prefix, index, ok := splitIndexedKey(key); ok {
			for i := 1; i <= 2; i++ {
				next := prefix + strconv.FormatInt(index+int64(i), 10)
				if _, ok := scores[next]; !ok {
					scores[next] = types.PrefetchCandidate{Key: next, Score: 0.9 - 0.1*float64(i), Source: "markov"}
				}
			}
		}
	}

	candidates := make([]types.PrefetchCandidate, 0, len(scores))
	for _, cand := range scores {
		if cand.Key == key || p.tiered.MemoryContains(cand.Key) {
			continue
		}
		candidates = append(candidates, cand)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Key < candidates[j].Key
	})
	if len(candidates) > maxItems {
		candidates = candidates[:maxItems]
	}
	return candidates
}

// updateWorkloadLocked classifies the recent access window. A window of
// monotonically increasing derived-index keys is a sequential scan; a
// window that keeps revisiting a tight relationship-graph neighborhood
// is clustering; anything else is mixed.
func (p *PredictiveCache) updateWorkloadLocked() {
	if len(p.history) < 4 {
		p.workload = WorkloadMixed
		return
	}

	window := p.history
	if len(window) > workloadWindow {
		window = window[len(window)-workloadWindow:]
	}

	if isSequentialWindow(window) {
		p.workload = WorkloadSequentialScan
		return
	}
	if p.isClusteredWindowLocked(window) {
		p.workload = WorkloadClustering
		return
	}
	p.workload = WorkloadMixed
}

func isSequentialWindow(window []string) bool {
	monotonic := 0
	comparable := 0
	for i := 1; i < len(window); i++ {
		prevPrefix, prevIdx, okPrev := splitIndexedKey(window[i-1])
		curPrefix, curIdx, okCur := splitIndexedKey(window[i])
		if !okPrev || !okCur || prevPrefix != curPrefix {
			continue
		}
		comparable++
		if curIdx == prevIdx+1 {
			monotonic++
		}
	}
	if comparable < len(window)/2 {
		return false
	}
	return float64(monotonic) >= 0.8*float64(comparable)
}

func (p *PredictiveCache) isClusteredWindowLocked(window []string) bool {
	unique := make(map[string]bool, len(window))
	for _, key := range window {
		unique[key] = true
	}
	// Clustering needs revisits: a window of all-distinct keys is not a
	// tight cluster however well connected.
	if len(unique) >= len(window)*3/4 {
		return false
	}

	connected := 0
	for key := range unique {
		for neighbor := range p.graph[key] {
			if unique[neighbor] {
				connected++
				break
			}
		}
	}
	return float64(connected) >= 0.6*float64(len(unique))
}

// splitIndexedKey splits "chunk-17" style keys into ("chunk-", 17).
func splitIndexedKey(key string) (prefix string, index int64, ok bool) {
	i := len(key)
	for i > 0 && key[i-1] >= '0' && key[i-1] <= '9' {
		i--
	}
	if i == len(key) || len(key)-i > 18 {
		return "", 0, false
	}
	index, err := strconv.ParseInt(key[i:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return key[:i], index, true
}
