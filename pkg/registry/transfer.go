package registry

import (
	"context"
	"errors"

	"github.com/marmos91/tallyd/pkg/journal"
	"github.com/marmos91/tallyd/pkg/metrics"
)

// TransferResult holds the state of both entities right after a committed
// transfer, taken while both locks were still held.
type TransferResult struct {
	From Snapshot
	To   Snapshot
}

// Coordinator applies mutations to registry entities and journals them.
//
// Transfer is the only operation that holds two entity locks at once. It
// always acquires them in ascending id order, so any number of concurrent
// transfers in opposite directions cannot deadlock.
//
// Thread safety:
// Safe for concurrent use. The coordinator has no state of its own.
type Coordinator struct {
	reg *Registry
}

// NewCoordinator returns a coordinator bound to reg.
func NewCoordinator(reg *Registry) *Coordinator {
	return &Coordinator{reg: reg}
}

// Registry returns the registry the coordinator operates on.
func (c *Coordinator) Registry() *Registry {
	return c.reg
}

// Transfer atomically moves q units from one entity to another.
//
// Either both quantities change (origin decreases by q, destination increases
// by q) or neither does. The sum of the two quantities is the same before and
// after.
//
// Parameters:
//   - ctx: Checked before locking; the locked section itself is not interruptible
//   - fromID: Origin entity, must hold at least q
//   - toID: Destination entity, must differ from fromID
//   - q: Quantity to move, must be positive
//
// Returns:
//   - TransferResult: Both entities' state after the transfer
//   - error: ErrSelfTransfer, ErrInvalidQuantity, ErrNotFound,
//     ErrInsufficientResource or ErrOverflow; nothing is mutated on error
func (c *Coordinator) Transfer(ctx context.Context, fromID, toID uint64, q int64) (TransferResult, error) {
	result, seq, err := c.transfer(ctx, fromID, toID, q)

	op := string(journal.OpTransfer)
	if err != nil {
		c.reg.metrics.RecordOperation(op, metrics.OutcomeRejected)
		return result, err
	}

	c.reg.metrics.RecordOperation(op, metrics.OutcomeCommitted)
	c.reg.metrics.RecordTransferred(q)
	c.reg.record(ctx, journal.Entry{Seq: seq, Op: journal.OpTransfer, From: fromID, To: toID, Quantity: q})

	return result, nil
}

func (c *Coordinator) transfer(ctx context.Context, fromID, toID uint64, q int64) (TransferResult, uint64, error) {
	if fromID == toID {
		return TransferResult{}, 0, ErrSelfTransfer
	}
	if q <= 0 {
		return TransferResult{}, 0, ErrInvalidQuantity
	}
	if err := ctx.Err(); err != nil {
		return TransferResult{}, 0, err
	}

	from, err := c.reg.Get(fromID)
	if err != nil {
		return TransferResult{}, 0, err
	}
	to, err := c.reg.Get(toID)
	if err != nil {
		return TransferResult{}, 0, err
	}

	first, second := from, to
	if second.id < first.id {
		first, second = second, first
	}

	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	// Either entity may have been removed between Get and Lock.
	if from.removed || to.removed {
		return TransferResult{}, 0, ErrNotFound
	}
	if from.quantity < q {
		return TransferResult{}, 0, ErrInsufficientResource
	}
	if !to.canCreditLocked(q) {
		return TransferResult{}, 0, ErrOverflow
	}

	from.quantity -= q
	to.quantity += q
	to.tracked = true

	return TransferResult{From: from.snapshotLocked(), To: to.snapshotLocked()}, c.reg.seq.Next(), nil
}

// Borrow marks entity id as unavailable.
func (c *Coordinator) Borrow(ctx context.Context, id uint64) (Snapshot, error) {
	return c.apply(ctx, id, journal.OpBorrow, 0, func(e *Entity) error { return e.borrowLocked() })
}

// Return marks entity id as available.
func (c *Coordinator) Return(ctx context.Context, id uint64) (Snapshot, error) {
	return c.apply(ctx, id, journal.OpReturn, 0, func(e *Entity) error { return e.returnLocked() })
}

// Credit adds q to entity id.
func (c *Coordinator) Credit(ctx context.Context, id uint64, q int64) (Snapshot, error) {
	if q <= 0 {
		c.reg.metrics.RecordOperation(string(journal.OpCredit), metrics.OutcomeRejected)
		return Snapshot{}, ErrInvalidQuantity
	}
	return c.apply(ctx, id, journal.OpCredit, q, func(e *Entity) error { return e.creditLocked(q) })
}

// Debit subtracts q from entity id, refusing to drive it below zero.
func (c *Coordinator) Debit(ctx context.Context, id uint64, q int64) (Snapshot, error) {
	if q <= 0 {
		c.reg.metrics.RecordOperation(string(journal.OpDebit), metrics.OutcomeRejected)
		return Snapshot{}, ErrInvalidQuantity
	}
	return c.apply(ctx, id, journal.OpDebit, q, func(e *Entity) error { return e.debitLocked(q) })
}

// apply runs a single-entity mutation under the entity lock, assigning the
// journal sequence number before the lock is released.
func (c *Coordinator) apply(ctx context.Context, id uint64, op journal.Op, q int64, fn func(*Entity) error) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	e, err := c.reg.Get(id)
	if err != nil {
		c.reg.metrics.RecordOperation(string(op), metrics.OutcomeRejected)
		return Snapshot{}, err
	}

	var seq uint64
	snap, err := e.update(func() error {
		if err := fn(e); err != nil {
			return err
		}
		seq = c.reg.seq.Next()
		return nil
	})
	if err != nil {
		c.reg.metrics.RecordOperation(string(op), metrics.OutcomeRejected)
		return snap, err
	}

	c.reg.metrics.RecordOperation(string(op), metrics.OutcomeCommitted)
	c.reg.record(ctx, journal.Entry{Seq: seq, Op: op, From: id, Quantity: q})
	return snap, nil
}

// IsRejection reports whether err is a business-rule rejection as opposed
// to a cancellation or an internal failure.
func IsRejection(err error) bool {
	var verr *ValidationError
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInsufficientResource) ||
		errors.Is(err, ErrAlreadyBorrowed) ||
		errors.Is(err, ErrAlreadyAvailable) ||
		errors.Is(err, ErrSelfTransfer) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrOverflow) ||
		errors.As(err, &verr)
}
