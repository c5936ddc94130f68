// Package reconcile runs the periodic drift scan: it lists every object
// under a storage provider's backup prefix, compares that listing
// against the Backup rows the Master believes exist, and classifies the
// difference into orphan objects (present in the store, no matching
// row) and missing objects (a SUCCESS row with no matching object,
// marked FAILED). It also recomputes each site's and node's
// storage_used_bytes from backup rows and corrects the stored total
// once it has drifted past a configurable fraction. It runs as a
// ticker-driven, mutex-guarded single-flight cycle.
package reconcile
