// Package journal records committed registry mutations for auditing.
//
// A Journal is append-only. Entries carry a sequence number assigned by the
// registry while the affected entity locks are held, so History returns
// mutations of one entity in the order they were applied even though Append
// itself runs after the locks are released.
//
// Implementations:
//   - NewNoop(): discards everything (journal disabled)
//   - badger.New(): BadgerDB in-memory store
package journal

import (
	"context"
	"errors"
	"time"
)

// ErrDisabled is returned by History when journaling is turned off.
var ErrDisabled = errors.New("journal disabled")

// Op identifies the kind of mutation recorded.
type Op string

const (
	OpCreate   Op = "CREATE"
	OpRemove   Op = "REMOVE"
	OpTransfer Op = "TRANSFER"
	OpCredit   Op = "DEPOSIT"
	OpDebit    Op = "WITHDRAW"
	OpBorrow   Op = "BORROW"
	OpReturn   Op = "RETURN"
)

// Entry is one committed mutation.
type Entry struct {
	// Seq orders entries globally; assigned by the registry
	Seq uint64 `json:"seq"`

	// Time is when the mutation was committed
	Time time.Time `json:"time"`

	Op Op `json:"op"`

	// From is the entity the operation applies to (the origin for transfers)
	From uint64 `json:"from"`

	// To is the destination of a transfer, 0 otherwise
	To uint64 `json:"to,omitempty"`

	// Quantity moved, credited or debited
	Quantity int64 `json:"quantity,omitempty"`
}

// Involves reports whether the entry touches entity id.
func (e Entry) Involves(id uint64) bool {
	return e.From == id || (e.To != 0 && e.To == id)
}

// Journal stores entries and answers per-entity history queries.
//
// Thread safety:
// Implementations must be safe for concurrent use.
type Journal interface {
	// Append stores an entry. Entries may arrive out of Seq order.
	Append(ctx context.Context, entry Entry) error

	// History returns the entries involving id in ascending Seq order.
	// When limit > 0 only the most recent limit entries are returned.
	History(ctx context.Context, id uint64, limit int) ([]Entry, error)

	// Close releases resources. The journal must not be used afterwards.
	Close() error
}

type noopJournal struct{}

// NewNoop returns a Journal that drops every entry.
func NewNoop() Journal {
	return noopJournal{}
}

func (noopJournal) Append(context.Context, Entry) error { return nil }

func (noopJournal) History(context.Context, uint64, int) ([]Entry, error) {
	return nil, ErrDisabled
}

func (noopJournal) Close() error { return nil }
