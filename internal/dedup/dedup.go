// Package dedup implements C2: per-(topic,peer) outbound sequencing and a
// bounded per-Connection inbound dedup cache of envelope IDs, per spec §4.2.
//
// The two structures are deliberately separate. The sequencer is owned by
// the sending Connection (it is the source of seq numbers for its own
// outgoing streams); the dedup cache is owned by the receiving Connection
// (it decides whether an incoming envelope has been seen before). Neither
// needs to know about the other.
package dedup

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultDedupCapacity bounds the inbound dedup LRU, per spec §4.2
// ("on the order of 10^4 entries").
const DefaultDedupCapacity = 10_000

// Sequencer assigns strictly monotonic seq numbers per (topic, peer) stream
// for envelopes originated by one Connection. Safe for concurrent use.
type Sequencer struct {
	mu      sync.Mutex
	streams map[string]uint64
}

// NewSequencer returns an empty Sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{streams: make(map[string]uint64)}
}

// Next returns the next seq for the given stream key (e.g. "topic|peer"),
// starting at 1.
func (s *Sequencer) Next(stream string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[stream]++
	return s.streams[stream]
}

// Seed overwrites the stored counter for stream, used when a session resumes
// and the sequencer must continue from a previously persisted high-water
// mark rather than restart at zero.
func (s *Sequencer) Seed(stream string, highWaterMark uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[stream] = highWaterMark
}

// HighWaterMark returns the last seq issued for stream, or 0 if none.
func (s *Sequencer) HighWaterMark(stream string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[stream]
}

// Reset clears all stream counters, used when a Connection replaces its
// session wholesale (fresh HELLO, not a resume).
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = make(map[string]uint64)
}

// InboundCache is a bounded LRU of envelope IDs seen by one Connection. It
// answers "have I already processed this envelope" so retries and at-least-
// once upstream delivery collapse to at-most-once observation, per spec
// invariant 2 in §8.
type InboundCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, struct{}]
}

// NewInboundCache creates an InboundCache with the given capacity. Capacity
// <= 0 uses DefaultDedupCapacity.
func NewInboundCache(capacity int) *InboundCache {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	c, err := lru.New[string, struct{}](capacity)
	if err != nil {
		// Only returns an error for capacity <= 0, which we've already guarded.
		panic("dedup: failed to construct LRU: " + err.Error())
	}
	return &InboundCache{cache: c}
}

// SeenOrRecord reports whether id has already been observed. If not, it
// records id and returns false so the caller proceeds to process the
// envelope; if so, it returns true and the caller must drop the envelope
// without side effects.
func (c *InboundCache) SeenOrRecord(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cache.Get(id); ok {
		return true
	}
	c.cache.Add(id, struct{}{})
	return false
}

// Replace swaps the cache wholesale, used on session resume when the dedup
// window must be reseeded from the resume store rather than accumulated
// live (spec §4.2: "The LRU is replaced wholesale on session resume").
func (c *InboundCache) Replace(seenIDs []string, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	fresh, err := lru.New[string, struct{}](capacity)
	if err != nil {
		panic("dedup: failed to construct LRU: " + err.Error())
	}
	for _, id := range seenIDs {
		fresh.Add(id, struct{}{})
	}
	c.cache = fresh
}

// Len returns the number of IDs currently cached, for tests and metrics.
func (c *InboundCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}
