package registry

import (
	"context"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/tallyd/pkg/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memJournal keeps entries in memory for assertions.
type memJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (j *memJournal) Append(_ context.Context, entry journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
	return nil
}

func (j *memJournal) History(_ context.Context, id uint64, limit int) ([]journal.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []journal.Entry
	for _, e := range j.entries {
		if e.Involves(id) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Seq < out[b].Seq })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (j *memJournal) Close() error { return nil }

func newAccounts(t *testing.T, reg *Registry, balances ...int64) []uint64 {
	t.Helper()
	ids := make([]uint64, len(balances))
	for i, b := range balances {
		e, err := reg.Create(context.Background(), EntitySpec{Name: "account", Quantity: b, Tracked: true})
		require.NoError(t, err)
		ids[i] = e.ID()
	}
	return ids
}

func quantityOf(t *testing.T, reg *Registry, id uint64) int64 {
	t.Helper()
	e, err := reg.Get(id)
	require.NoError(t, err)
	return e.Snapshot().Quantity
}

func TestTransfer_OppositeDirectionsConserveTotal(t *testing.T) {
	ctx := context.Background()
	reg := New(Config{})
	coord := NewCoordinator(reg)
	ids := newAccounts(t, reg, 100000, 100000)
	a, b := ids[0], ids[1]

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				_, err := coord.Transfer(ctx, a, b, 10)
				assert.NoError(t, err)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				_, err := coord.Transfer(ctx, b, a, 20)
				assert.NoError(t, err)
			}
		}()
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("transfers did not complete: possible deadlock")
	}

	qa, qb := quantityOf(t, reg, a), quantityOf(t, reg, b)
	assert.Equal(t, int64(200000), qa+qb)
	assert.Equal(t, int64(110000), qa)
	assert.Equal(t, int64(90000), qb)
}

func TestTransfer_InsufficientLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	reg := New(Config{})
	coord := NewCoordinator(reg)
	ids := newAccounts(t, reg, 5, 0)

	_, err := coord.Transfer(ctx, ids[0], ids[1], 10)
	require.ErrorIs(t, err, ErrInsufficientResource)

	assert.Equal(t, int64(5), quantityOf(t, reg, ids[0]))
	assert.Equal(t, int64(0), quantityOf(t, reg, ids[1]))
}

func TestTransfer_Rejections(t *testing.T) {
	ctx := context.Background()
	reg := New(Config{})
	coord := NewCoordinator(reg)
	ids := newAccounts(t, reg, 10, 10)

	tests := []struct {
		name     string
		from, to uint64
		q        int64
		want     error
	}{
		{"self transfer", ids[0], ids[0], 1, ErrSelfTransfer},
		{"zero quantity", ids[0], ids[1], 0, ErrInvalidQuantity},
		{"negative quantity", ids[0], ids[1], -3, ErrInvalidQuantity},
		{"unknown origin", 99, ids[1], 1, ErrNotFound},
		{"unknown destination", ids[0], 99, 1, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := coord.Transfer(ctx, tt.from, tt.to, tt.q)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsRejection(err))
		})
	}

	assert.Equal(t, int64(10), quantityOf(t, reg, ids[0]))
	assert.Equal(t, int64(10), quantityOf(t, reg, ids[1]))
}

func TestTransfer_ManyAccountsNoNegativeNoDeadlock(t *testing.T) {
	ctx := context.Background()
	reg := New(Config{Shards: 2})
	coord := NewCoordinator(reg)
	ids := newAccounts(t, reg, 50, 50, 50, 50, 50)
	const total = int64(250)

	stop := make(chan struct{})
	var observer sync.WaitGroup
	observer.Add(1)
	go func() {
		defer observer.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, s := range reg.List() {
				assert.GreaterOrEqual(t, s.Quantity, int64(0))
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for w := 0; w < 10; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 500; i++ {
					from := ids[(w+i)%len(ids)]
					to := ids[(w+2*i+1)%len(ids)]
					_, err := coord.Transfer(ctx, from, to, int64(1+i%7))
					if err != nil {
						assert.True(t, IsRejection(err), "unexpected error: %v", err)
					}
				}
			}(w)
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("transfers did not complete: possible deadlock")
	}
	close(stop)
	observer.Wait()

	var sum int64
	for _, id := range ids {
		q := quantityOf(t, reg, id)
		assert.GreaterOrEqual(t, q, int64(0))
		sum += q
	}
	assert.Equal(t, total, sum)
}

func TestCoordinator_BorrowReturn(t *testing.T) {
	ctx := context.Background()
	reg := New(Config{})
	coord := NewCoordinator(reg)
	e, err := reg.Create(ctx, EntitySpec{Name: "Clean Code", Attrs: []string{"Robert C. Martin", "2008"}})
	require.NoError(t, err)

	snap, err := coord.Borrow(ctx, e.ID())
	require.NoError(t, err)
	assert.False(t, snap.Available)

	snap, err = coord.Borrow(ctx, e.ID())
	assert.ErrorIs(t, err, ErrAlreadyBorrowed)
	assert.False(t, snap.Available)

	_, err = coord.Return(ctx, e.ID())
	require.NoError(t, err)
	_, err = coord.Return(ctx, e.ID())
	assert.ErrorIs(t, err, ErrAlreadyAvailable)
}

func TestCoordinator_ConcurrentBorrowSingleWinner(t *testing.T) {
	ctx := context.Background()
	reg := New(Config{})
	coord := NewCoordinator(reg)
	e, err := reg.Create(ctx, EntitySpec{Name: "book"})
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		wins int
		wg   sync.WaitGroup
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := coord.Borrow(ctx, e.ID()); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrAlreadyBorrowed)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestCoordinator_CreditDebit(t *testing.T) {
	ctx := context.Background()
	reg := New(Config{})
	coord := NewCoordinator(reg)
	ids := newAccounts(t, reg, 10)

	snap, err := coord.Credit(ctx, ids[0], 5)
	require.NoError(t, err)
	assert.Equal(t, int64(15), snap.Quantity)

	_, err = coord.Debit(ctx, ids[0], 16)
	assert.ErrorIs(t, err, ErrInsufficientResource)

	snap, err = coord.Debit(ctx, ids[0], 15)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Quantity)

	_, err = coord.Credit(ctx, ids[0], 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = coord.Debit(ctx, ids[0], -1)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestCoordinator_CreditOverflowRejected(t *testing.T) {
	ctx := context.Background()
	reg := New(Config{})
	coord := NewCoordinator(reg)
	ids := newAccounts(t, reg, 10)

	_, err := coord.Credit(ctx, ids[0], math.MaxInt64)
	assert.ErrorIs(t, err, ErrOverflow)
	assert.True(t, IsRejection(err))
	assert.Equal(t, int64(10), quantityOf(t, reg, ids[0]), "rejected credit must not mutate")

	snap, err := coord.Credit(ctx, ids[0], math.MaxInt64-10)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), snap.Quantity)
}

func TestTransfer_DestinationOverflowRejected(t *testing.T) {
	ctx := context.Background()
	j := &memJournal{}
	reg := New(Config{Journal: j})
	coord := NewCoordinator(reg)
	ids := newAccounts(t, reg, 1000, math.MaxInt64-10)
	a, b := ids[0], ids[1]

	_, err := coord.Transfer(ctx, a, b, 100)
	assert.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, int64(1000), quantityOf(t, reg, a), "origin must not be debited")
	assert.Equal(t, int64(math.MaxInt64-10), quantityOf(t, reg, b))

	history, err := reg.History(ctx, a, 0)
	require.NoError(t, err)
	for _, e := range history {
		assert.NotEqual(t, journal.OpTransfer, e.Op, "rejected transfer must not be journaled")
	}

	result, err := coord.Transfer(ctx, a, b, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), result.To.Quantity)
	assert.Equal(t, int64(990), result.From.Quantity)
}

func TestCoordinator_JournalsCommittedMutations(t *testing.T) {
	ctx := context.Background()
	j := &memJournal{}
	reg := New(Config{Journal: j})
	coord := NewCoordinator(reg)
	ids := newAccounts(t, reg, 10, 0)

	_, err := coord.Transfer(ctx, ids[0], ids[1], 4)
	require.NoError(t, err)
	_, err = coord.Transfer(ctx, ids[0], ids[1], 100)
	require.Error(t, err)
	_, err = coord.Debit(ctx, ids[1], 1)
	require.NoError(t, err)

	history, err := reg.History(ctx, ids[1], 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, journal.OpCreate, history[0].Op)
	assert.Equal(t, journal.OpTransfer, history[1].Op)
	assert.Equal(t, ids[0], history[1].From)
	assert.Equal(t, ids[1], history[1].To)
	assert.Equal(t, int64(4), history[1].Quantity)
	assert.Equal(t, journal.OpDebit, history[2].Op)

	// Rejected transfer is not journaled
	history, err = reg.History(ctx, ids[0], 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestCoordinator_JournalSeqFollowsLockOrder(t *testing.T) {
	ctx := context.Background()
	j := &memJournal{}
	reg := New(Config{Journal: j})
	coord := NewCoordinator(reg)
	ids := newAccounts(t, reg, 1000)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, err := coord.Debit(ctx, ids[0], 1)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	history, err := reg.History(ctx, ids[0], 0)
	require.NoError(t, err)
	require.Len(t, history, 401)
	for i := 1; i < len(history); i++ {
		assert.Equal(t, history[i-1].Seq+1, history[i].Seq)
	}
}
