// Package settings holds platform-wide configuration values behind a
// versioned read-through cache.
//
// Lookups go in-process LRU, then Redis, then the database, with
// concurrent database reads for one key collapsed into one. Every write
// bumps the row version and a shared generation counter in Redis; an
// instance whose generation is behind drops its LRU on its next check, so
// a write is visible everywhere within CacheConfig.GenerationCheck.
//
// Writes may name the version they were based on; a stale version fails
// with ErrVersionConflict instead of overwriting.
package settings
