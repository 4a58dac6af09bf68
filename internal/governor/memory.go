package governor

import (
	"sync"

	"github.com/tetratelabs/wazero/experimental"
)

// Budget caps the bytes held by all linear memories of a run. A grow that
// would exceed it fails, which the guest sees as memory.grow returning -1.
// The initial allocation of a memory is always granted and counted;
// Governor.Admit refuses module sets whose initial memories do not fit.
//
// A buffer only moves when it outgrows the capacity the engine asked for.
// Shared memories must not move, so runs with threads configure the
// engine to size capacity from each memory's maximum.
type Budget struct {
	limit uint64

	mu   sync.Mutex
	used uint64
	peak uint64
}

// NewBudget returns a budget of limit bytes.
func NewBudget(limit uint64) *Budget {
	return &Budget{limit: limit}
}

// Used returns the bytes currently held.
func (b *Budget) Used() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Peak returns the largest value Used has reached.
func (b *Budget) Peak() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak
}

func (b *Budget) reserve(n uint64, force bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !force && b.used+n > b.limit {
		return false
	}
	b.used += n
	if b.used > b.peak {
		b.peak = b.used
	}
	return true
}

func (b *Budget) release(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.used {
		n = b.used
	}
	b.used -= n
}

// Allocate implements experimental.MemoryAllocator. No memory can hold
// more than the whole budget, so capacity beyond it is never reserved.
func (b *Budget) Allocate(capacity, max uint64) experimental.LinearMemory {
	return &linearMemory{budget: b, max: max, buf: make([]byte, 0, min(capacity, b.limit))}
}

type linearMemory struct {
	budget  *Budget
	max     uint64
	buf     []byte
	started bool
}

func (m *linearMemory) Reallocate(size uint64) []byte {
	if size > m.max {
		return nil
	}
	cur := uint64(len(m.buf))
	if size > cur {
		if !m.budget.reserve(size-cur, !m.started) {
			return nil
		}
	}
	m.started = true

	if size <= uint64(cap(m.buf)) {
		m.buf = m.buf[:size]
		return m.buf
	}
	grown := make([]byte, size, min(max(size, 2*uint64(cap(m.buf))), m.max))
	copy(grown, m.buf)
	m.buf = grown
	return m.buf
}

func (m *linearMemory) Free() {
	m.budget.release(uint64(len(m.buf)))
	m.buf = nil
}
