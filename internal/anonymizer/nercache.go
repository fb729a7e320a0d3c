// nercache.go: in-memory S3-FIFO cache for named-entity model results.
//
// Documents are often re-anonymized after small edits, and chunked runs of
// the same document produce the same chunk texts. Model calls are the slow
// part of a run, so raw model output is cached per (script, text) digest.
//
// # Algorithm
//
// S3-FIFO ("Simple, Scalable, FIFO-based cache eviction", Yang et al., 2023)
// uses two FIFO queues and a bounded ghost set:
//
//   - S (small, ~10% of capacity): probationary queue. New keys land here.
//   - M (main, ~90% of capacity): keys promoted from S after at least one hit.
//   - G (ghost): ring of keys recently evicted from S, bounded to 2× sTarget.
//     A key found in G on insert bypasses S and goes directly to M.
//
// Per-object state is a saturating frequency counter (max 3), incremented on
// every hit and reset on promotion to M.
package anonymizer

import (
	"container/list"
	"sync"

	"github.com/zeebo/blake3"
)

// resultKey identifies one model call: blake3(script || 0x00 || text).
type resultKey [32]byte

func newResultKey(script Script, text string) resultKey {
	h := blake3.New()
	_, _ = h.WriteString(string(script))
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(text)
	var k resultKey
	copy(k[:], h.Sum(nil))
	return k
}

type fifoEntry[V any] struct {
	value V
	freq  uint8         // saturating counter in [0, 3]
	elem  *list.Element // back-pointer into sQueue or mQueue
	inM   bool
}

// s3fifo is a bounded, concurrency-safe S3-FIFO map.
type s3fifo[K comparable, V any] struct {
	mu sync.Mutex

	capacity int // S + M max items
	sTarget  int // desired S queue size (~10%)
	ghostCap int

	entries map[K]*fifoEntry[V]
	sQueue  *list.List // Value is K
	mQueue  *list.List

	ghostBuf   []K
	ghostSet   map[K]struct{}
	ghostHead  int
	ghostCount int
}

// newS3FIFO returns a cache holding at most capacity items; values < 2 are
// clamped to 2.
func newS3FIFO[K comparable, V any](capacity int) *s3fifo[K, V] {
	if capacity < 2 {
		capacity = 2
	}
	sTarget := max(capacity/10, 1)
	ghostCap := max(2*sTarget, 4)
	return &s3fifo[K, V]{
		capacity: capacity,
		sTarget:  sTarget,
		ghostCap: ghostCap,
		entries:  make(map[K]*fifoEntry[V], capacity),
		sQueue:   list.New(),
		mQueue:   list.New(),
		ghostBuf: make([]K, ghostCap),
		ghostSet: make(map[K]struct{}, ghostCap),
	}
}

// Get returns the cached value and bumps its frequency.
func (c *s3fifo[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		if e.freq < 3 {
			e.freq++
		}
		return e.value, true
	}
	var zero V
	return zero, false
}

// Set inserts or updates key. Updates keep the queue position.
func (c *s3fifo[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		return
	}

	_, inM := c.ghostSet[key]
	var elem *list.Element
	if inM {
		elem = c.mQueue.PushBack(key)
	} else {
		elem = c.sQueue.PushBack(key)
	}
	c.entries[key] = &fifoEntry[V]{value: value, elem: elem, inM: inM}

	for c.sQueue.Len()+c.mQueue.Len() > c.capacity {
		c.evictOne()
	}
}

// Len returns the number of resident items.
func (c *s3fifo[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOne must be called with c.mu held.
func (c *s3fifo[K, V]) evictOne() {
	if c.sQueue.Len() > 0 {
		c.evictFromS()
		return
	}
	c.evictFromM()
}

// evictFromS promotes the oldest S entry to M if it was hit, otherwise drops
// it into the ghost ring. Must be called with c.mu held.
func (c *s3fifo[K, V]) evictFromS() {
	front := c.sQueue.Front()
	if front == nil {
		return
	}
	key := c.sQueue.Remove(front).(K)
	e, ok := c.entries[key]
	if !ok {
		return
	}
	if e.freq > 0 {
		e.freq = 0
		e.inM = true
		e.elem = c.mQueue.PushBack(key)
		if c.mQueue.Len() > c.capacity-c.sTarget {
			c.evictFromM()
		}
		return
	}
	delete(c.entries, key)
	c.ghostAdd(key)
}

// evictFromM must be called with c.mu held. M evictions do not enter G.
func (c *s3fifo[K, V]) evictFromM() {
	front := c.mQueue.Front()
	if front == nil {
		return
	}
	key := c.mQueue.Remove(front).(K)
	delete(c.entries, key)
}

// ghostAdd must be called with c.mu held.
func (c *s3fifo[K, V]) ghostAdd(key K) {
	if _, exists := c.ghostSet[key]; exists {
		return
	}
	if c.ghostCount == c.ghostCap {
		oldest := c.ghostBuf[c.ghostHead]
		delete(c.ghostSet, oldest)
		c.ghostHead = (c.ghostHead + 1) % c.ghostCap
		c.ghostCount--
	}
	c.ghostBuf[(c.ghostHead+c.ghostCount)%c.ghostCap] = key
	c.ghostSet[key] = struct{}{}
	c.ghostCount++
}
