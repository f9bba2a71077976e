package registry

import (
	"math"
	"sync"
)

// EntitySpec describes an entity to be created.
//
// Name and Attrs are immutable once the entity exists. Quantity seeds the
// numeric state; Tracked records whether the quantity is meaningful for the
// entity (accounts, stock units) or merely zero (books, cars).
type EntitySpec struct {
	Name     string   `validate:"required,max=128"`
	Attrs    []string `validate:"max=8,dive,required,max=128"`
	Quantity int64    `validate:"gte=0"`
	Tracked  bool
}

// Snapshot is a point-in-time copy of an entity, taken under its lock.
type Snapshot struct {
	ID        uint64
	Name      string
	Attrs     []string
	Quantity  int64
	Tracked   bool
	Available bool
}

// Entity is a uniquely identified unit of shared mutable state.
//
// Every read or write of the mutable fields happens while holding mu. The
// mutex is never exposed; the only code that takes two entity locks at once
// is Coordinator.Transfer, which does so in id order.
type Entity struct {
	id      uint64
	name    string
	attrs   []string
	tracked bool

	mu        sync.Mutex
	quantity  int64
	available bool
	removed   bool
}

func newEntity(id uint64, spec EntitySpec) *Entity {
	attrs := make([]string, len(spec.Attrs))
	copy(attrs, spec.Attrs)

	return &Entity{
		id:        id,
		name:      spec.Name,
		attrs:     attrs,
		tracked:   spec.Tracked || spec.Quantity > 0,
		quantity:  spec.Quantity,
		available: true,
	}
}

// ID returns the entity's immutable identifier.
func (e *Entity) ID() uint64 {
	return e.id
}

// Snapshot returns the current state. A removed entity still returns its
// last state; use Registry.Get to check liveness.
func (e *Entity) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// snapshot is like Snapshot but reports false for removed entities.
func (e *Entity) snapshot() (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), !e.removed
}

func (e *Entity) snapshotLocked() Snapshot {
	attrs := make([]string, len(e.attrs))
	copy(attrs, e.attrs)

	return Snapshot{
		ID:        e.id,
		Name:      e.name,
		Attrs:     attrs,
		Quantity:  e.quantity,
		Tracked:   e.tracked,
		Available: e.available,
	}
}

// update runs fn under the entity lock and returns the resulting state.
// fn is only called on a live entity; a rejected fn must not mutate anything.
func (e *Entity) update(fn func() error) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return Snapshot{}, ErrNotFound
	}
	if err := fn(); err != nil {
		return e.snapshotLocked(), err
	}
	return e.snapshotLocked(), nil
}

// Mutations go through Coordinator so that every committed change is
// journaled; the *Locked helpers below run inside update or Transfer.

func (e *Entity) borrowLocked() error {
	if !e.available {
		return ErrAlreadyBorrowed
	}
	e.available = false
	return nil
}

func (e *Entity) returnLocked() error {
	if e.available {
		return ErrAlreadyAvailable
	}
	e.available = true
	return nil
}

// canCreditLocked reports whether q more units still fit in the quantity.
func (e *Entity) canCreditLocked(q int64) bool {
	return q <= math.MaxInt64-e.quantity
}

func (e *Entity) creditLocked(q int64) error {
	if !e.canCreditLocked(q) {
		return ErrOverflow
	}
	e.quantity += q
	e.tracked = true
	return nil
}

func (e *Entity) debitLocked(q int64) error {
	if e.quantity < q {
		return ErrInsufficientResource
	}
	e.quantity -= q
	return nil
}
