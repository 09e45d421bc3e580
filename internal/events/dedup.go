package events

import "sync"

// Deduper is the consumer-side guard that makes repeated delivery safe: a
// replayed envelope that was already processed is reported as a duplicate.
// Memory is bounded by keeping only ids above the low-water sequence mark.
type Deduper struct {
	mu      sync.Mutex
	seen    map[string]int64
	highSeq int64
	window  int64
}

// NewDeduper keeps ids for the last window sequence numbers. window <= 0
// keeps every id.
func NewDeduper(window int64) *Deduper {
	return &Deduper{seen: make(map[string]int64), window: window}
}

// First records env and reports whether this is its first delivery.
func (d *Deduper) First(env Envelope) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, dup := d.seen[env.EventID]; dup {
		return false
	}
	if d.window > 0 && env.Seq > 0 && env.Seq <= d.highSeq-d.window {
		// Older than anything we still track; it must have been seen.
		return false
	}
	d.seen[env.EventID] = env.Seq
	if env.Seq > d.highSeq {
		d.highSeq = env.Seq
		d.evict()
	}
	return true
}

// HighSeq is the highest sequence number accepted so far; use it as since_seq
// when reconnecting.
func (d *Deduper) HighSeq() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.highSeq
}

func (d *Deduper) evict() {
	if d.window <= 0 {
		return
	}
	floor := d.highSeq - d.window
	for id, seq := range d.seen {
		if seq > 0 && seq <= floor {
			delete(d.seen, id)
		}
	}
}
