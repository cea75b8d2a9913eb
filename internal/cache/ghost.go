package cache

import (
	"sort"
)

// ghostList is a bounded set of recently evicted keys. Entries carry no
// payload and consume no cache capacity; each key is ranked by a score
// (last-access time for B1, heat score for B2) used to pick pruning
// victims when the list overflows.
type ghostList struct {
	keys       map[string]float64
	maxSize    int
	batchPrune bool
}

func newGhostList(maxSize int, batchPrune bool) *ghostList {
	return &ghostList{
		keys:       make(map[string]float64),
		maxSize:    maxSize,
		batchPrune: batchPrune,
	}
}

func (g *ghostList) contains(key string) bool {
	_, ok := g.keys[key]
	return ok
}

func (g *ghostList) remove(key string) {
	delete(g.keys, key)
}

func (g *ghostList) len() int {
	return len(g.keys)
}

// add records key with its ranking score and prunes the lowest-ranked
// fifth of the list (plus any overflow) when the cap is exceeded.
func (g *ghostList) add(key string, score float64) {
	g.keys[key] = score

	if len(g.keys) <= g.maxSize {
		return
	}

	overflow := len(g.keys) - g.maxSize
	if g.batchPrune {
		g.prune(g.maxSize/5 + overflow)
	} else {
		g.prune(overflow)
	}
}

// prune removes the n lowest-scored keys.
func (g *ghostList) prune(n int) {
	if n <= 0 {
		return
	}
	if n >= len(g.keys) {
		g.keys = make(map[string]float64)
		return
	}

	type ranked struct {
		key   string
		score float64
	}
	entries := make([]ranked, 0, len(g.keys))
	for key, score := range g.keys {
		entries = append(entries, ranked{key: key, score: score})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].score < entries[j].score
	})

	for i := 0; i < n; i++ {
		delete(g.keys, entries[i].key)
	}
}

func (g *ghostList) clear() {
	g.keys = make(map[string]float64)
}
