package bus

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/basket/go-fleet/internal/events"
)

const defaultBufferSize = 256

var ErrConnectionExists = errors.New("connection already registered")

// Sink receives envelopes for one connection. Deliver must not block.
type Sink interface {
	Deliver(env events.Envelope) bool
	Closed() bool
}

// ChanSink is a buffered channel sink. When the buffer is full the envelope is
// dropped for this connection; the client recovers it with replay.
type ChanSink struct {
	mu      sync.Mutex
	ch      chan events.Envelope
	closed  bool
	dropped atomic.Int64
}

// NewChanSink returns a sink buffering up to size envelopes.
func NewChanSink(size int) *ChanSink {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &ChanSink{ch: make(chan events.Envelope, size)}
}

// Ch returns the channel to receive envelopes on. It is closed by Close.
func (s *ChanSink) Ch() <-chan events.Envelope {
	return s.ch
}

func (s *ChanSink) Deliver(env events.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- env:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *ChanSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close closes the channel. Further deliveries are skipped.
func (s *ChanSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Dropped is the number of envelopes discarded because the buffer was full.
func (s *ChanSink) Dropped() int64 {
	return s.dropped.Load()
}

type connection struct {
	sink   Sink
	topics map[string]struct{}
}

// Router fans committed envelopes out to the connections subscribed to their
// topics. Both indexes (topic → connections, connection → topics) are guarded
// by one RWMutex.
type Router struct {
	mu     sync.RWMutex
	conns  map[string]*connection
	topics map[string]map[string]struct{}
}

// New creates an empty Router.
func New() *Router {
	return &Router{
		conns:  make(map[string]*connection),
		topics: make(map[string]map[string]struct{}),
	}
}

// RegisterConnection adds a connection with no subscriptions.
func (r *Router) RegisterConnection(id string, sink Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; ok {
		return ErrConnectionExists
	}
	r.conns[id] = &connection{sink: sink, topics: make(map[string]struct{})}
	return nil
}

// Registered reports whether id is a live connection.
func (r *Router) Registered(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[id]
	return ok
}

// UnregisterConnection removes id from every topic it was subscribed to.
func (r *Router) UnregisterConnection(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	for topic := range c.topics {
		r.removeLocked(topic, id)
	}
	delete(r.conns, id)
	return true
}

// Subscribe adds topic to id's interests. It fails without side effects for
// unknown connections and invalid topics. Subscribing twice is a no-op
// success.
func (r *Router) Subscribe(id, topic string) bool {
	if !ValidTopic(topic) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	c.topics[topic] = struct{}{}
	subs := r.topics[topic]
	if subs == nil {
		subs = make(map[string]struct{})
		r.topics[topic] = subs
	}
	subs[id] = struct{}{}
	return true
}

// Unsubscribe removes topic from id's interests. It reports whether the
// connection is known; unsubscribing a topic that was never subscribed is a
// no-op.
func (r *Router) Unsubscribe(id, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	delete(c.topics, topic)
	r.removeLocked(topic, id)
	return true
}

func (r *Router) removeLocked(topic, id string) {
	subs := r.topics[topic]
	if subs == nil {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(r.topics, topic)
	}
}

// Subscriptions returns id's topics, sorted.
func (r *Router) Subscriptions(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// PublishResult summarizes one fan-out.
type PublishResult struct {
	Topics     []string
	Recipients int
	Delivered  int
	Skipped    int
}

// Publish sends env once to every connection subscribed to at least one of its
// topics. Closed or full sinks are skipped and never retried.
func (r *Router) Publish(env events.Envelope) PublishResult {
	res := PublishResult{Topics: TopicsFor(env)}

	r.mu.RLock()
	targets := make(map[string]Sink)
	for _, topic := range res.Topics {
		for id := range r.topics[topic] {
			if _, seen := targets[id]; seen {
				continue
			}
			targets[id] = r.conns[id].sink
		}
	}
	r.mu.RUnlock()

	res.Recipients = len(targets)
	for _, sink := range targets {
		if sink.Closed() || !sink.Deliver(env) {
			res.Skipped++
			continue
		}
		res.Delivered++
	}
	return res
}

// Stats is a point-in-time view of the router for observability.
type Stats struct {
	Connections int            `json:"connections"`
	Topics      map[string]int `json:"topics"`
}

func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{Connections: len(r.conns), Topics: make(map[string]int, len(r.topics))}
	for topic, subs := range r.topics {
		st.Topics[topic] = len(subs)
	}
	return st
}
