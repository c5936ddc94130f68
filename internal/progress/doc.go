// Package progress holds the live, in-memory progress row for every site
// with a job in flight: a per-site Store with compare-and-set-on-epoch
// writes so a stale report from a superseded or zombie job can never
// clobber a newer one, and a Broker that multicasts each update once to
// every subscribed SSE connection instead of having each connection
// poll the Store independently.
package progress
