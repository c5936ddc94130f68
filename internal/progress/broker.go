package progress

import (
	"strconv"
	"sync"

	"github.com/kestrelhq/fleetbackup/internal/metrics"
	"github.com/kestrelhq/fleetbackup/internal/types"
)

// Subscriber is a channel that receives progress rows for one site.
type Subscriber chan types.ProgressRow

// Broker multicasts progress updates to every subscriber of a site: one
// write to Publish fans out to all of that site's listeners in O(n), so
// an SSE connection never has to poll the Store itself.
type Broker struct {
	mu   sync.RWMutex
	subs map[int64]map[Subscriber]bool
}

// NewBroker builds an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int64]map[Subscriber]bool)}
}

// Subscribe registers a new listener for a site's progress updates. The
// channel is buffered so a slow reader does not block the publisher; a
// full buffer drops the update rather than blocking (the next update, or
// a client-side GET of current status, supersedes it anyway).
func (b *Broker) Subscribe(siteID int64) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 16)
	if b.subs[siteID] == nil {
		b.subs[siteID] = make(map[Subscriber]bool)
	}
	b.subs[siteID][sub] = true
	metrics.SSESubscribersGauge.WithLabelValues(siteIDLabel(siteID)).Set(float64(len(b.subs[siteID])))
	return sub
}

// Unsubscribe removes and closes a listener.
func (b *Broker) Unsubscribe(siteID int64, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.subs[siteID]; ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			close(sub)
			metrics.SSESubscribersGauge.WithLabelValues(siteIDLabel(siteID)).Set(float64(len(set)))
		}
		if len(set) == 0 {
			delete(b.subs, siteID)
		}
	}
}

// Publish fans a row out to every subscriber of its site.
func (b *Broker) Publish(row types.ProgressRow) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[row.SiteID] {
		select {
		case sub <- row:
		default:
		}
	}
}

// SubscriberCount returns the number of live listeners for a site.
func (b *Broker) SubscriberCount(siteID int64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[siteID])
}

func siteIDLabel(siteID int64) string {
	return strconv.FormatInt(siteID, 10)
}
