/*
Package types provides the core interfaces and data structures shared across
the contentcache tiers.

The cache engine is split into a memory tier (adaptive replacement), a
persistent disk tier, a coordinating tiered cache, and a predictive prefetch
layer. This package defines the contracts between them: the Cache interface
implemented by each tier, the statistics structures exposed to monitoring,
and the access-tracking records the tiered cache maintains per key.

Content is keyed by opaque content identifiers (CIDs). The engine never
inspects key structure except to derive stable backing filenames for the
disk tier.
*/
package types
