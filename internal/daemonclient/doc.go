// Package daemonclient is the Node daemon's HTTP client to Master: it
// carries the enrollment handshake (join, poll, storage-config fetch),
// the per-job lifecycle calls the pipeline engine needs (quota preflight,
// start, progress reports), and the site list the scheduler drains.
//
// Every call is authenticated with the Node's API key in the X-API-KEY
// header except the two public join endpoints. Requests retry on
// transient network failures with backoff, since a Node and Master are
// separate processes talking over a link that can drop.
package daemonclient
