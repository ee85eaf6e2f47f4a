package streams

import (
	"sync"

	"github.com/mossy-p/webrtc-calls/internal/media"
)

// Pair is the live local and remote media of the current call. Either side
// may be nil.
type Pair struct {
	Local  *media.LocalStream
	Remote *media.RemoteStream
}

// Empty reports whether neither stream is set.
func (p Pair) Empty() bool {
	return p.Local == nil && p.Remote == nil
}

type Listener func(Pair)

// Registry holds the stream pair of the active call so that views which do
// not own the call can observe it. The peer session is its only writer and
// keeps ownership of the streams.
type Registry struct {
	mu        sync.Mutex
	pair      Pair
	listeners map[uint64]Listener
	nextID    uint64
}

func NewRegistry() *Registry {
	return &Registry{listeners: make(map[uint64]Listener)}
}

// Publish replaces the current pair and notifies every listener before
// returning.
func (r *Registry) Publish(pair Pair) {
	r.mu.Lock()
	r.pair = pair
	listeners := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.mu.Unlock()

	for _, l := range listeners {
		l(pair)
	}
}

// Snapshot returns the current pair.
func (r *Registry) Snapshot() Pair {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pair
}

// Subscribe registers a listener and returns a function removing it.
func (r *Registry) Subscribe(l Listener) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = l
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}
