package cache

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/contentcache/contentcache/internal/config"
)

func testARCConfig() config.ARCConfig {
	return config.ARCConfig{
		GhostListSize:    1024,
		MaxPPercent:      0.5,
		FrequencyWeight:  0.7,
		RecencyWeight:    0.3,
		AccessBoost:      2.0,
		HeatDecayHours:   1.0,
		GhostListPruning: true,
		EnableStats:      true,
	}
}

func TestARCCacheRoundTrip(t *testing.T) {
	t.Parallel()

	c := NewARCCache(1024, testARCConfig())

	value := []byte("hello world")
	if !c.Put("k1", value) {
		t.Fatal("put failed")
	}

	got, ok := c.Get("k1")
	if !ok {
		t.Fatal("expected hit")
	}
	if !bytes.Equal(got, value) {
		t.Errorf("got %q, want %q", got, value)
	}

	// Returned slice must be a copy.
	got[0] = 'X'
	again, _ := c.Get("k1")
	if !bytes.Equal(again, value) {
		t.Error("cache returned an aliased buffer")
	}
}

func TestARCCacheMiss(t *testing.T) {
	t.Parallel()

	c := NewARCCache(1024, testARCConfig())
	if _, ok := c.Get("absent"); ok {
		t.Error("expected miss")
	}
	if stats := c.Stats(); stats.Misses != 1 {
		t.Errorf("misses = %d, want 1", stats.Misses)
	}
}

func TestARCCacheOversizeReject(t *testing.T) {
	t.Parallel()

	c := NewARCCache(10, testARCConfig())
	if c.Put("big", make([]byte, 11)) {
		t.Error("oversize put should be rejected")
	}
	if c.Size() != 0 {
		t.Errorf("size = %d after rejected put", c.Size())
	}
}

func TestARCCachePromotionOnHit(t *testing.T) {
	t.Parallel()

	c := NewARCCache(1024, testARCConfig())
	c.Put("k", []byte("v"))

	if _, inT1 := c.t1["k"]; !inT1 {
		t.Fatal("new key should start in T1")
	}

	if _, ok := c.Get("k"); !ok {
		t.Fatal("expected hit")
	}
	if _, inT1 := c.t1["k"]; inT1 {
		t.Error("key still in T1 after hit")
	}
	if _, inT2 := c.t2["k"]; !inT2 {
		t.Error("key not promoted to T2")
	}
	if m := c.ARCMetrics(); m.Promotions != 1 {
		t.Errorf("promotions = %d, want 1", m.Promotions)
	}
}

func TestARCCacheOverwriteInPlace(t *testing.T) {
	t.Parallel()

	c := NewARCCache(100, testARCConfig())
	c.Put("k", make([]byte, 10))
	c.Put("k", make([]byte, 30))

	if c.Size() != 30 {
		t.Errorf("size = %d, want 30", c.Size())
	}
	if _, inT1 := c.t1["k"]; !inT1 {
		t.Error("overwritten key should keep its T1 membership")
	}
}

// The canonical adaptation scenario: capacity 10, three 4-byte inserts
// push the oldest key into B1; re-inserting it is a ghost hit that grows
// p and lands the key in T2.
func TestARCCacheGhostHitGrowsP(t *testing.T) {
	t.Parallel()

	c := NewARCCache(10, testARCConfig())

	c.Put("a", []byte("aaaa"))
	time.Sleep(2 * time.Millisecond)
	c.Put("b", []byte("bbbb"))
	time.Sleep(2 * time.Millisecond)
	c.Put("c", []byte("cccc"))

	if !c.b1.contains("a") {
		t.Fatal("a should have been evicted to B1")
	}
	if c.Size() > 10 {
		t.Fatalf("size %d exceeds capacity", c.Size())
	}

	pBefore := c.ARCMetrics().P
	c.Put("a", []byte("AAAA"))

	if m := c.ARCMetrics(); m.P <= pBefore {
		t.Errorf("p = %d, want > %d after B1 ghost hit", m.P, pBefore)
	}
	if _, inT2 := c.t2["a"]; !inT2 {
		t.Error("ghost-hit key should land in T2")
	}
	if c.b1.contains("a") {
		t.Error("key must leave B1 on re-insert")
	}
}

func TestARCCacheGhostHitShrinksP(t *testing.T) {
	t.Parallel()

	c := NewARCCache(10, testARCConfig())

	// Raise p with a B1 ghost hit first so a decrease is observable.
	c.Put("a", []byte("aaaa"))
	time.Sleep(2 * time.Millisecond)
	c.Put("b", []byte("bbbb"))
	time.Sleep(2 * time.Millisecond)
	c.Put("c", []byte("cccc"))
	c.Put("a", []byte("aaaa")) // B1 hit, a -> T2

	// Drain T1 into T2 so the next eviction must come from T2.
	for key := range c.t1 {
		c.Get(key)
	}
	if len(c.t1) != 0 {
		t.Fatal("T1 should be empty")
	}

	c.Put("d", []byte("dddd")) // forces a T2 eviction into B2

	if c.b2.len() == 0 {
		t.Fatal("expected a B2 ghost after T2 eviction")
	}
	var victim string
	for key := range c.b2.keys {
		victim = key
	}

	pBefore := c.ARCMetrics().P
	if pBefore == 0 {
		t.Fatal("p should be positive before the B2 hit")
	}

	c.Put(victim, []byte("vvvv"))
	if m := c.ARCMetrics(); m.P >= pBefore {
		t.Errorf("p = %d, want < %d after B2 ghost hit", m.P, pBefore)
	}
	if _, inT2 := c.t2[victim]; !inT2 {
		t.Error("B2 ghost-hit key should land in T2")
	}
}

func TestARCCacheDisjointness(t *testing.T) {
	t.Parallel()

	c := NewARCCache(40, testARCConfig())

	// Churn enough to populate all four lists.
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key-%d", i%8)
		c.Put(key, make([]byte, 8))
		if i%3 == 0 {
			c.Get(key)
		}
	}

	for key := range c.t1 {
		if _, also := c.t2[key]; also {
			t.Errorf("key %q resident in both T1 and T2", key)
		}
	}
	for key := range c.b1.keys {
		if c.b2.contains(key) {
			t.Errorf("key %q ghosted in both B1 and B2", key)
		}
	}
}

func TestARCCacheCapacityInvariant(t *testing.T) {
	t.Parallel()

	const capacity = 64
	c := NewARCCache(capacity, testARCConfig())

	for i := 0; i < 50; i++ {
		c.Put(fmt.Sprintf("key-%d", i), make([]byte, 1+i%17))
		if c.Size() > capacity {
			t.Fatalf("size %d exceeds capacity after put %d", c.Size(), i)
		}
		if i%4 == 0 {
			c.Get(fmt.Sprintf("key-%d", i/2))
			if c.Size() > capacity {
				t.Fatalf("size %d exceeds capacity after get", c.Size())
			}
		}
	}
}

func TestARCCacheClear(t *testing.T) {
	t.Parallel()

	c := NewARCCache(10, testARCConfig())
	c.Put("a", []byte("aaaa"))
	c.Put("b", []byte("bbbb"))
	c.Put("c", []byte("cccc")) // pushes a ghost into B1
	c.Get("b")

	c.Clear()

	if c.Size() != 0 || len(c.t1) != 0 || len(c.t2) != 0 {
		t.Error("resident lists not empty after clear")
	}
	if c.b1.len() != 0 || c.b2.len() != 0 {
		t.Error("ghost lists not empty after clear")
	}
	if c.ARCMetrics().P != 0 {
		t.Error("p not reset after clear")
	}
}

func TestARCCacheDelete(t *testing.T) {
	t.Parallel()

	c := NewARCCache(100, testARCConfig())
	c.Put("k", []byte("value"))

	if !c.Delete("k") {
		t.Fatal("delete of resident key should return true")
	}
	if c.Delete("k") {
		t.Error("second delete should return false")
	}
	if _, ok := c.Get("k"); ok {
		t.Error("deleted key still resident")
	}
	if c.Size() != 0 {
		t.Errorf("size = %d after delete", c.Size())
	}
}

// T2 eviction must drop the least-accessed key even when it is the
// younger one; a key's heat must never peak at birth.
func TestARCCacheEvictT2LowestHeat(t *testing.T) {
	t.Parallel()

	c := NewARCCache(10, testARCConfig())

	c.Put("old", []byte("aaaa"))
	for i := 0; i < 5; i++ {
		c.Get("old") // first hit moves it to T2, the rest heat it up
	}
	c.Put("new", []byte("bbbb"))
	c.Get("new")

	if _, inT2 := c.t2["old"]; !inT2 {
		t.Fatal("old should be in T2")
	}
	if _, inT2 := c.t2["new"]; !inT2 {
		t.Fatal("new should be in T2")
	}
	if c.HeatScore("old") <= c.HeatScore("new") {
		t.Fatalf("heat(old)=%f should exceed heat(new)=%f",
			c.HeatScore("old"), c.HeatScore("new"))
	}

	c.Put("fill", []byte("cccc")) // forces a T2 eviction

	if _, inT2 := c.t2["old"]; !inT2 {
		t.Error("frequently accessed key should survive T2 eviction")
	}
	if _, inT2 := c.t2["new"]; inT2 {
		t.Error("least-accessed key should be the T2 victim")
	}
	if !c.b2.contains("new") {
		t.Error("T2 victim should be ghosted in B2")
	}
}

func TestARCCacheHeatScore(t *testing.T) {
	t.Parallel()

	c := NewARCCache(1024, testARCConfig())
	c.Put("hot", []byte("v"))
	c.Put("cold", []byte("v"))

	for i := 0; i < 5; i++ {
		c.Get("hot")
	}

	if c.HeatScore("hot") <= c.HeatScore("cold") {
		t.Errorf("hot key heat %f should exceed cold key heat %f",
			c.HeatScore("hot"), c.HeatScore("cold"))
	}
	if c.HeatScore("never") != 0 {
		t.Error("unknown key should have zero heat")
	}
}

func TestARCCacheStats(t *testing.T) {
	t.Parallel()

	c := NewARCCache(1024, testARCConfig())
	c.Put("k", []byte("value"))
	c.Get("k")
	c.Get("absent")

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", stats.Hits, stats.Misses)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("hit rate = %f, want 0.5", stats.HitRate)
	}
	if stats.Size != 5 {
		t.Errorf("size = %d, want 5", stats.Size)
	}

	records := c.AccessRecords()
	if len(records) == 0 {
		t.Fatal("expected access records with stats enabled")
	}
	if records["k"].AccessCount != 2 {
		t.Errorf("access count = %d, want 2", records["k"].AccessCount)
	}
}

func TestGhostListPruning(t *testing.T) {
	t.Parallel()

	g := newGhostList(10, true)
	for i := 0; i < 11; i++ {
		g.add(fmt.Sprintf("key-%d", i), float64(i))
	}

	// Overflow of 1 plus a batch of maxSize/5 pruned, lowest scores first.
	if g.len() != 8 {
		t.Fatalf("len = %d, want 8", g.len())
	}
	if g.contains("key-0") || g.contains("key-1") || g.contains("key-2") {
		t.Error("lowest-scored keys should be pruned first")
	}
	if !g.contains("key-10") {
		t.Error("highest-scored key should survive pruning")
	}
}
