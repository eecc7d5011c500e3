package dedup

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

const bloomFPRate = 0.01

// rotatingBloom keeps an active filter plus a staggered warming filter.
// The warming filter is allocated once the active one is half full and
// receives every insert from then on, so at cutover it already holds
// the recent half of the key stream. Cutover happens when the active
// filter reaches capacity; membership older than roughly 1.5x capacity
// is forgotten, and the durable tier answers for it.
type rotatingBloom struct {
	mu        sync.RWMutex
	capacity  uint
	active    *bloom.BloomFilter
	warming   *bloom.BloomFilter
	activeN   uint
	warmingN  uint
	rotations uint64
	onRotate  func()
}

func newRotatingBloom(capacity uint, onRotate func()) *rotatingBloom {
	if capacity == 0 {
		capacity = 1
	}
	return &rotatingBloom{
		capacity: capacity,
		active:   bloom.NewWithEstimates(capacity, bloomFPRate),
		onRotate: onRotate,
	}
}

// Test reports possible membership. False is a definite miss.
func (b *rotatingBloom) Test(key []byte) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active.Test(key)
}

// Add inserts the key, handling warming allocation and cutover.
func (b *rotatingBloom) Add(key []byte) {
	var rotated bool

	b.mu.Lock()
	b.active.Add(key)
	b.activeN++
	if b.warming != nil {
		b.warming.Add(key)
		b.warmingN++
	}
	if b.warming == nil && b.activeN >= b.capacity/2 {
		b.warming = bloom.NewWithEstimates(b.capacity, bloomFPRate)
		b.warmingN = 0
	}
	if b.activeN >= b.capacity {
		b.active = b.warming
		b.activeN = b.warmingN
		b.warming = bloom.NewWithEstimates(b.capacity, bloomFPRate)
		b.warmingN = 0
		b.rotations++
		rotated = true
	}
	b.mu.Unlock()

	if rotated && b.onRotate != nil {
		b.onRotate()
	}
}

func (b *rotatingBloom) Rotations() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rotations
}

// ApproxItems returns the active filter's insert count.
func (b *rotatingBloom) ApproxItems() uint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.activeN
}
