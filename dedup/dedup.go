// Package dedup provides a consumer-side exactly-once helper. Delivery is
// at-least-once per connected subscriber, so consumers that must not apply
// an envelope twice track (lineage token, cycle id) pairs through a Window.
package dedup

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	cuckoo "github.com/linvon/cuckoo-filter"

	"github.com/deltabus/deltabus/bus"
)

const (
	// capacity = bucketSize x numBuckets = 4 x 65536 = ~256k envelopes
	cuckooBucketSize      = 4
	cuckooFingerprintSize = 32 // 32-bit fingerprint keeps the FP rate negligible
	cuckooNumBuckets      = 65536
)

var hashBufPool = sync.Pool{
	New: func() any { return make([]byte, 8) },
}

// Window answers "was this envelope seen before" with a cuckoo-filter fast
// path. A miss is definitive (never seen); a hit is confirmed against the
// exact set. Thread-safe.
type Window struct {
	mu     sync.Mutex
	filter *cuckoo.Filter
	seen   map[uint64]struct{}
}

// NewWindow creates an empty dedup window.
func NewWindow() *Window {
	return &Window{
		filter: cuckoo.NewFilter(cuckooBucketSize, cuckooFingerprintSize,
			cuckooNumBuckets, cuckoo.TableTypePacked),
		seen: make(map[uint64]struct{}),
	}
}

func envelopeHash(env *bus.DeltaEnvelope) uint64 {
	d := xxhash.New()
	d.WriteString(env.LineageToken)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], env.CycleID)
	d.Write(buf[:])
	return d.Sum64()
}

// Observe records an envelope and reports whether it was already seen.
// The first observation returns false, every redelivery true.
func (w *Window) Observe(env *bus.DeltaEnvelope) bool {
	h := envelopeHash(env)

	w.mu.Lock()
	defer w.mu.Unlock()

	buf := hashBufPool.Get().([]byte)
	binary.LittleEndian.PutUint64(buf, h)

	if w.filter.Contain(buf) {
		if _, ok := w.seen[h]; ok {
			hashBufPool.Put(buf)
			return true
		}
	}

	w.filter.Add(buf)
	hashBufPool.Put(buf)
	w.seen[h] = struct{}{}
	return false
}

// Forget drops an envelope from the window, freeing filter space once a
// consumer has durably applied everything up to it.
func (w *Window) Forget(env *bus.DeltaEnvelope) {
	h := envelopeHash(env)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.seen[h]; !ok {
		return
	}
	delete(w.seen, h)

	buf := hashBufPool.Get().([]byte)
	binary.LittleEndian.PutUint64(buf, h)
	w.filter.Delete(buf)
	hashBufPool.Put(buf)
}

// Len returns the number of envelopes currently tracked.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}
