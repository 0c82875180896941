package messaging

import (
	"context"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/glimte/conveyor/conventions"
	"github.com/glimte/conveyor/internal/rabbitmq"
)

// SubscriptionState is the lifecycle state of one channel key
type SubscriptionState int

const (
	Unregistered SubscriptionState = iota
	Declaring
	Consuming
)

func (s SubscriptionState) String() string {
	switch s {
	case Declaring:
		return "declaring"
	case Consuming:
		return "consuming"
	default:
		return "unregistered"
	}
}

// Entry is one channel owned by the registry
type Entry struct {
	ID          string
	Conventions conventions.Conventions
	ConsumerTag string
	State       SubscriptionState
	Channel     rabbitmq.Channel

	subscriber *MessageSubscriber
	cancel     context.CancelFunc
	done       chan struct{}
}

// Key returns the channel key of the entry
func (e Entry) Key() string {
	return e.Conventions.Key()
}

// ChannelRegistry maps channel keys to open channels. It is written only by
// the subscription controller loop; readers use an immutable snapshot.
type ChannelRegistry struct {
	entries  map[string]*Entry
	snapshot atomic.Pointer[map[string]Entry]
}

// NewChannelRegistry creates an empty registry
func NewChannelRegistry() *ChannelRegistry {
	r := &ChannelRegistry{entries: make(map[string]*Entry)}
	r.publish()
	return r
}

// Lookup returns the entry for key from the latest snapshot
func (r *ChannelRegistry) Lookup(key string) (Entry, bool) {
	e, ok := (*r.snapshot.Load())[key]
	return e, ok
}

// State returns the state of key, Unregistered when absent
func (r *ChannelRegistry) State(key string) SubscriptionState {
	e, ok := r.Lookup(key)
	if !ok {
		return Unregistered
	}
	return e.State
}

// Keys returns the registered keys in sorted order
func (r *ChannelRegistry) Keys() []string {
	return slices.Sorted(maps.Keys(*r.snapshot.Load()))
}

// Len returns the number of registered channels
func (r *ChannelRegistry) Len() int {
	return len(*r.snapshot.Load())
}

func (r *ChannelRegistry) get(key string) (*Entry, bool) {
	e, ok := r.entries[key]
	return e, ok
}

func (r *ChannelRegistry) put(e *Entry) {
	r.entries[e.Key()] = e
	r.publish()
}

func (r *ChannelRegistry) remove(key string) (*Entry, bool) {
	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	delete(r.entries, key)
	r.publish()
	return e, true
}

func (r *ChannelRegistry) all() []*Entry {
	return slices.Collect(maps.Values(r.entries))
}

func (r *ChannelRegistry) publish() {
	snap := make(map[string]Entry, len(r.entries))
	for key, e := range r.entries {
		snap[key] = *e
	}
	r.snapshot.Store(&snap)
}
