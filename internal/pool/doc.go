// Package pool implements a generic connection pool engine.
//
// A Pool owns a set of connections produced by a Factory and lends them to
// callers through CheckOut and CheckIn. Three acquisition strategies are
// provided:
//
//   - SoftLimit never blocks. It grows past the configured maximum on demand
//     and relies on pruning to shrink idle connections back to the minimum.
//   - Blocking never exceeds the maximum. Callers wait in FIFO order for a
//     connection to be returned, bounded by the configured block wait time.
//   - Shared keeps exactly the minimum number of connections and blocks like
//     Blocking once all of them are in use.
//
// Connections may be validated on check-out, on check-in and periodically by
// a background pruner, which also destroys connections that stayed idle past
// the expiration time. The pool configuration becomes immutable once the
// pool is initialized.
//
// Logging uses the tflog "pool" subsystem. Its level can be controlled with
// the VT_LOG_POOL environment variable.
package pool
