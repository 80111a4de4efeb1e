// Package events fans catalog changes out to every live subscriber.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fruitsalade/filehub/internal/logging"
	"github.com/fruitsalade/filehub/internal/metrics"
	"github.com/fruitsalade/filehub/internal/protocol"
	"github.com/fruitsalade/filehub/internal/store"
)

// Notice is one catalog change as delivered to subscribers.
type Notice struct {
	Kind      protocol.Kind `json:"kind"`
	Filename  string        `json:"filename"`
	Timestamp time.Time     `json:"timestamp"`
	Size      int64         `json:"size"`
	Digest    string        `json:"blake3,omitempty"`
}

// NoticeFor classifies a store change as NEW_FILE or OVERRIDE.
func NoticeFor(c store.Change) Notice {
	kind := protocol.KindNewFile
	if c.Replaced {
		kind = protocol.KindOverride
	}
	return Notice{
		Kind:      kind,
		Filename:  c.Filename,
		Timestamp: c.Modified,
		Size:      c.Size,
		Digest:    c.Digest,
	}
}

// SnapshotNotice is the NEW_FILE notice that bootstraps a subscriber with an
// existing entry.
func SnapshotNotice(e store.Entry) Notice {
	return Notice{
		Kind:      protocol.KindNewFile,
		Filename:  e.Filename,
		Timestamp: e.Modified,
		Size:      e.Size,
	}
}

// Message returns the wire frame for n.
func (n Notice) Message() protocol.Message {
	ts := protocol.FormatTime(n.Timestamp)
	if n.Kind == protocol.KindOverride {
		return protocol.Override{Filename: n.Filename, Timestamp: ts}
	}
	return protocol.NewFile{Filename: n.Filename, Timestamp: ts}
}

// MarshalNotice serializes a notice to JSON.
func MarshalNotice(n Notice) ([]byte, error) {
	return json.Marshal(n)
}

// Subscriber is a live receiver of notices. Deliver must not block; it
// reports false when the subscriber cannot take the notice, in which case
// the broadcaster closes and drops it.
type Subscriber interface {
	ID() string
	Deliver(Notice) bool
	Close() error
}

// Catalog is the source of bootstrap snapshots.
type Catalog interface {
	Snapshot() []store.Entry
}

// Broadcaster manages subscribers and publishes catalog notices.
type Broadcaster struct {
	catalog Catalog

	// notifyMu keeps publishes from interleaving and makes subscribing
	// atomic with respect to them.
	notifyMu sync.Mutex

	mu          sync.RWMutex
	subscribers map[string]Subscriber
}

// NewBroadcaster creates a broadcaster that bootstraps subscribers from c.
func NewBroadcaster(c Catalog) *Broadcaster {
	return &Broadcaster{
		catalog:     c,
		subscribers: make(map[string]Subscriber),
	}
}

// Subscribe adds sub to the live set and returns the catalog snapshot as of
// that moment. Every change committed after the snapshot is delivered to sub.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(sub Subscriber) []store.Entry {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	b.mu.Lock()
	b.subscribers[sub.ID()] = sub
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSubscribersActive(n)

	return b.catalog.Snapshot()
}

// Unsubscribe removes a subscriber. It does not close it.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subscribers, id)
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSubscribersActive(n)
}

// Notify publishes the notice for a committed store change.
func (b *Broadcaster) Notify(c store.Change) {
	b.Publish(NoticeFor(c))
}

// Publish delivers n to every subscriber. Subscribers that cannot take it
// are evicted.
func (b *Broadcaster) Publish(n Notice) {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	var stalled []Subscriber
	b.mu.RLock()
	for _, sub := range b.subscribers {
		if !sub.Deliver(n) {
			stalled = append(stalled, sub)
		}
	}
	b.mu.RUnlock()
	metrics.RecordNotice(string(n.Kind))

	for _, sub := range stalled {
		b.Unsubscribe(sub.ID())
		metrics.RecordEviction()
		logging.Warn("subscriber evicted, notice queue full",
			logging.String("subscriber", sub.ID()),
			logging.String("filename", n.Filename))
		sub.Close()
	}
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// CloseAll closes and removes every subscriber.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for id, sub := range b.subscribers {
		subs = append(subs, sub)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	metrics.SetSubscribersActive(0)

	for _, sub := range subs {
		sub.Close()
	}
}
