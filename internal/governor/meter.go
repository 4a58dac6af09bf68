package governor

import (
	"sync/atomic"
)

// Meter counts fuel shared by every thread of a run.
type Meter struct {
	limit   uint64
	bounded bool
	used    atomic.Uint64
}

// NewMeter returns a meter preloaded with limit, or an unbounded one when
// limit is nil.
func NewMeter(limit *uint64) *Meter {
	m := &Meter{}
	if limit != nil {
		m.limit, m.bounded = *limit, true
	}
	return m
}

// Consume takes n units. It fails without consuming anything when fewer
// than n remain.
func (m *Meter) Consume(n uint64) error {
	for {
		cur := m.used.Load()
		if m.bounded && (cur+n > m.limit || cur+n < cur) {
			return ErrFuelExhausted
		}
		if m.used.CompareAndSwap(cur, cur+n) {
			return nil
		}
	}
}

// Remaining returns the fuel left and whether the meter is bounded.
func (m *Meter) Remaining() (uint64, bool) {
	if !m.bounded {
		return 0, false
	}
	used := m.used.Load()
	if used >= m.limit {
		return 0, true
	}
	return m.limit - used, true
}

// Consumed returns the fuel used so far.
func (m *Meter) Consumed() uint64 {
	return m.used.Load()
}
