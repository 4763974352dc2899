// Package cache implements the tiered cache: a process-local L1 LRU with
// cost-aware eviction, a Redis-backed L2 with pub/sub invalidation, and a
// SQLite-backed compressed L3. Lookups go L1→L2→L3 with upward promotion;
// writes are synchronous to L1 and fire-and-forget to L2/L3.
package cache
