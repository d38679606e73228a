// Package statetoken issues and consumes OAuth state tokens.
//
// A token is 32 random bytes, base64url encoded. Backends store only its
// SHA-256 hash together with the (user, tool) pair it was issued for.
//
// Validation order is the same for every backend:
//
//   - unknown hash: ErrNotFound
//   - now at or past expiry: ErrExpired, whether consumed or not
//   - already consumed: ErrAlreadyConsumed
//
// Consumed and expired tokens are kept as tombstones for Options.Retention
// after expiry so late presentations still report ErrExpired. Sweep then
// removes them.
//
// Backends:
//
//   - MemoryRegistry: single process, swept by a background goroutine
//   - StoreRegistry: SQLite through the store package
//   - RedisRegistry: shared across instances, consumed by a Lua script
package statetoken
