// Package memkv is a sharded, concurrency-safe in-memory key/value store
// with per-key TTL.
//
// Properties:
//   - sharded map guarded by RW mutexes (256 shards by default)
//   - TTL with a background expirer plus lazy expiry on access
//   - values are copied on Set and Get
//   - atomic metrics that do not block store operations
//   - optional cap on total value bytes (Options.MaxBytes)
//
// The connectivity core uses it for the peer directory (stale sightings
// expire) and for mesh duplicate suppression (seen envelope ids).
package memkv
