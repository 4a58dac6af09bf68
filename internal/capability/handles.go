package capability

import (
	"errors"
	"fmt"
	"sync"
)

// Handles is the table of open resources of one guest instance and the
// threads it spawned. Ids start at 1 and are never reused.
type Handles struct {
	mu      sync.Mutex
	next    uint32
	entries map[uint32]*Handle
	closed  bool
}

// Handle is one table entry.
type Handle struct {
	ID       uint32
	Driver   string
	Resource Resource
	// Owner is the guest thread that opened the handle.
	Owner  uint32
	Shared bool

	mu        sync.Mutex
	pendingOp string
	pending   []byte
}

func NewHandles() *Handles {
	return &Handles{next: 1, entries: make(map[uint32]*Handle)}
}

// Insert stores res and returns its id. Unless shared, only thread owner
// may use the handle.
func (h *Handles) Insert(driver string, res Resource, owner uint32, shared bool) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, fmt.Errorf("handle table closed")
	}
	if h.next == 0 {
		return 0, fmt.Errorf("handle ids exhausted")
	}
	id := h.next
	h.next++
	h.entries[id] = &Handle{ID: id, Driver: driver, Resource: res, Owner: owner, Shared: shared}
	return id, nil
}

// Get returns handle id for use by thread caller.
func (h *Handles) Get(id, caller uint32) (*Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBadHandle, id)
	}
	if !e.Shared && e.Owner != caller {
		return nil, fmt.Errorf("%w: handle %d", ErrBusy, id)
	}
	return e, nil
}

// Remove deletes handle id from the table and returns its resource
// without closing it.
func (h *Handles) Remove(id, caller uint32) (Resource, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBadHandle, id)
	}
	if !e.Shared && e.Owner != caller {
		return nil, fmt.Errorf("%w: handle %d", ErrBusy, id)
	}
	delete(h.entries, id)
	return e.Resource, nil
}

// Len returns the number of open handles.
func (h *Handles) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// CloseAll closes every open resource and rejects further inserts.
func (h *Handles) CloseAll() error {
	h.mu.Lock()
	entries := h.entries
	h.entries = make(map[uint32]*Handle)
	h.closed = true
	h.mu.Unlock()

	var errs []error
	for id, e := range entries {
		if err := e.Resource.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing handle %d (%s): %w", id, e.Driver, err))
		}
	}
	return errors.Join(errs...)
}

// takePending returns output retained by an earlier call that did not fit
// the guest buffer.
func (e *Handle) takePending(op string) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil || e.pendingOp != op {
		return nil, false
	}
	out := e.pending
	e.pending, e.pendingOp = nil, ""
	return out, true
}

func (e *Handle) keepPending(op string, out []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingOp, e.pending = op, out
}
