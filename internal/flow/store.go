// Package flow buffers events per source and aggregates them into
// sliding-window feature vectors.
package flow

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/nshruti113/flowguard/internal/models"
)

const shardCount = 32

// sourceBuffer is a time-ordered deque of events for one source.
// events[head:] are live; the prefix is reclaimed on compaction.
type sourceBuffer struct {
	mu           sync.Mutex
	events       []models.Event
	head         int
	lastActivity float64
	dropped      bool
}

func (b *sourceBuffer) live() []models.Event {
	return b.events[b.head:]
}

// trim drops events older than cutoff from the front
func (b *sourceBuffer) trim(cutoff float64) {
	for b.head < len(b.events) && b.events[b.head].Timestamp < cutoff {
		b.events[b.head] = models.Event{}
		b.head++
	}

	switch {
	case b.head == len(b.events):
		b.events = b.events[:0]
		b.head = 0
	case b.head > 64 && b.head > len(b.events)/2:
		n := copy(b.events, b.events[b.head:])
		clear(b.events[n:])
		b.events = b.events[:n]
		b.head = 0
	}
}

type shard struct {
	mu      sync.Mutex
	buffers map[string]*sourceBuffer
}

// Store maps source addresses to event buffers. A shard lock guards each
// slice of the address space and a buffer lock guards each source, so
// ingestion and aggregation on different sources never contend.
type Store struct {
	shards [shardCount]shard
}

func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i].buffers = make(map[string]*sourceBuffer)
	}
	return s
}

func (s *Store) shardFor(src string) *shard {
	return &s.shards[xxhash.Sum64String(src)%shardCount]
}

// Append adds ev to its source buffer and records the source's last activity.
// An event older than the newest buffered one is clamped to it so buffers
// stay non-decreasing.
func (s *Store) Append(ev models.Event) {
	sh := s.shardFor(ev.Source)

	for {
		sh.mu.Lock()
		buf, ok := sh.buffers[ev.Source]
		if !ok {
			buf = &sourceBuffer{}
			sh.buffers[ev.Source] = buf
		}
		sh.mu.Unlock()

		buf.mu.Lock()
		if buf.dropped {
			// evicted between lookup and lock; retry against a fresh buffer
			buf.mu.Unlock()
			continue
		}
		if live := buf.live(); len(live) > 0 && ev.Timestamp < live[len(live)-1].Timestamp {
			ev.Timestamp = live[len(live)-1].Timestamp
		}
		buf.events = append(buf.events, ev)
		buf.lastActivity = ev.Timestamp
		buf.mu.Unlock()
		return
	}
}

// SnapshotActiveSources returns sources holding at least one event
func (s *Store) SnapshotActiveSources() []string {
	var out []string

	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for src, buf := range sh.buffers {
			buf.mu.Lock()
			if len(buf.live()) > 0 {
				out = append(out, src)
			}
			buf.mu.Unlock()
		}
		sh.mu.Unlock()
	}

	return out
}

// Sources returns every tracked source, including buffers trimmed to empty
func (s *Store) Sources() []string {
	var out []string

	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for src := range sh.buffers {
			out = append(out, src)
		}
		sh.mu.Unlock()
	}

	return out
}

func (s *Store) lookup(src string) *sourceBuffer {
	sh := s.shardFor(src)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.buffers[src]
}

// ComputeWindow trims events older than ref-window from the source's buffer
// and computes a feature vector over what remains. It returns false when the
// buffer is absent or empty after trimming.
func (s *Store) ComputeWindow(src string, window, ref float64) (models.FeatureVector, bool) {
	buf := s.lookup(src)
	if buf == nil {
		return models.FeatureVector{}, false
	}

	buf.mu.Lock()
	defer buf.mu.Unlock()

	start := ref - window
	buf.trim(start)

	live := buf.live()
	if len(live) == 0 {
		return models.FeatureVector{}, false
	}

	return computeFeatures(src, live, window, start, ref), true
}

// EvictIdle drops the source's buffer if now-lastActivity exceeds idleTimeout
func (s *Store) EvictIdle(src string, idleTimeout, now float64) bool {
	sh := s.shardFor(src)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	buf, ok := sh.buffers[src]
	if !ok {
		return false
	}

	buf.mu.Lock()
	defer buf.mu.Unlock()

	if now-buf.lastActivity <= idleTimeout {
		return false
	}

	buf.dropped = true
	delete(sh.buffers, src)
	return true
}

// Empty reports whether no tracked buffer holds an event
func (s *Store) Empty() bool {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, buf := range sh.buffers {
			buf.mu.Lock()
			n := len(buf.live())
			buf.mu.Unlock()
			if n > 0 {
				sh.mu.Unlock()
				return false
			}
		}
		sh.mu.Unlock()
	}
	return true
}

// Len returns the number of buffered events for src
func (s *Store) Len(src string) int {
	buf := s.lookup(src)
	if buf == nil {
		return 0
	}

	buf.mu.Lock()
	defer buf.mu.Unlock()
	return len(buf.live())
}
