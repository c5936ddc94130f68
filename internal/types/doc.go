/*
Package types defines the core data structures of the fleet backup control
plane: nodes, sites, backups, storage providers, progress rows and the
activity log.

# Architecture

	┌──────────────────────── DATA MODEL ───────────────────────┐
	│                                                             │
	│  Node (1) ──< Site (N) ──< Backup (N)                     │
	│   │                │            │                          │
	│   │                │            └─ StorageProvider (N:1)   │
	│   │                └─ ProgressRow (1:1, live)              │
	│   │                └─ Schedule (1:1)                       │
	│   └─ hashed API key, storage accounting                    │
	│                                                             │
	│  ActivityLog: append-only, bounded per actor               │
	└─────────────────────────────────────────────────────────────┘

All identifiers are a pair: an int64 surrogate key for indexing and a
github.com/google/uuid opaque id for every externally visible path, so
enumeration of the fleet is never possible from the wire format.

# Integration points

  - internal/store/master persists these types to Postgres.
  - internal/httpapi serializes them to JSON for the REST+SSE surface.
  - internal/pipeline populates Backup and ProgressRow as a job runs.
  - internal/quota reads and writes the storage accounting fields.
*/
package types
