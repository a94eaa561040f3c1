// Package resource governs the shared resources of the chunk cache.
//
// A Controller is shared by every volume of a manager and covers three concerns:
//
//   - Memory: chunk storage is reserved before a chunk is loaded or zero-filled.
//     Reservations never block; TryAcquireMemory fails fast and the caller decides
//     whether an already-expired chunk can be evicted to make room.
//   - Flush slots: a weighted semaphore bounds concurrent write-backs.
//   - Flush bandwidth: a token bucket throttles bytes written to the backing store.
//
// All methods are safe for concurrent use and no-ops on a nil *Controller.
package resource
