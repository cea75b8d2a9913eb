/*
Package cache implements the multi-tier content cache engine: an
adaptive-replacement memory tier, a persistent disk tier, the tiered
coordinator that routes between them, and a predictive prefetch layer.

# Tier Hierarchy

	┌──────────────────────────────────────────┐
	│             TieredCache                  │
	│   get/put routing · promotion · mmap     │
	│   global access stats · heat eviction    │
	└──────────────────────────────────────────┘
	        │                       │
	┌───────┴────────┐     ┌────────┴─────────┐
	│    ARCCache    │     │    DiskCache     │
	│  T1/T2 + B1/B2 │     │ files + index    │
	│  adaptive p    │     │ heat eviction    │
	└────────────────┘     └──────────────────┘
	        ▲
	┌───────┴──────────────────────────────────┐
	│           PredictiveCache                │
	│  transition table · relationship graph   │
	│  workload classes · worker-pool prefetch │
	│  streaming read-ahead for large content  │
	└──────────────────────────────────────────┘

# Memory Tier

ARCCache balances recency (T1) against frequency (T2) under a byte-size
bound. Keys evicted from T1 or T2 leave a payload-free ghost entry in B1
or B2; re-inserting a ghosted key proves the eviction was premature and
moves the adaptive target p toward the side that lost. Heat scores are
recomputed from stored timestamps and counters on every access, never
incrementally drifted.

# Disk Tier

DiskCache keeps one backing file per item plus a JSON index. The index
is reconciled against the filesystem at startup, so entries whose files
vanished out-of-band are dropped and occupancy is recomputed from real
file sizes. Eviction ranks entries by an access-count/recency/age score
and deletes lowest-first. Backing files are optionally zstd-compressed.

# Coordination

TieredCache writes every put durably to disk and mirrors small items
into memory. A disk hit promotes eligible content into the memory tier;
concurrent fetches of one key are collapsed through singleflight so
promotion is atomic against racing gets. Large items can instead be
served through read-only memory-mapped views over temp files, released
deterministically on eviction, clear, and close.

# Prefetch

PredictiveCache observes the access sequence, learns key-to-key
transition counts, and accepts explicit relationship edges. Prefetch
jobs run on a bounded worker pool; each run resolves a capped candidate
set and warms it through the tiered cache with prefetch disabled, so a
prefetch can never trigger another. Content above the streaming
threshold is fetched in parallel chunks bounded by a semaphore instead
of a single whole-value read.

All types in this package are safe for concurrent use.
*/
package cache
