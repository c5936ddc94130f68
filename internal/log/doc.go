// Package log provides structured logging for the fleet backup control
// plane using zerolog. It wraps a single global logger with
// component/node/site/job field helpers (WithComponent, WithNodeID,
// WithSiteID, WithJobID), and fans every entry out to up to three
// destinations: the primary JSON or console writer, a bounded RingBuffer
// for the rolling log-tail endpoint, and an error-only duplicate log
// file: a human-readable console log, a structured JSON log, and errors
// duplicated to their own log.
package log
