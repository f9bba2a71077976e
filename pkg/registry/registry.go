package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/marmos91/tallyd/internal/logger"
	"github.com/marmos91/tallyd/pkg/journal"
	"github.com/marmos91/tallyd/pkg/metrics"
)

// DefaultShardCount is the number of lock stripes used when Config.Shards is 0.
const DefaultShardCount = 32

// Config configures a Registry.
type Config struct {
	// Shards is the number of lock stripes. 0 selects DefaultShardCount.
	Shards int

	// Journal receives every committed mutation. nil disables journaling.
	Journal journal.Journal

	// Metrics records operation outcomes. nil selects a no-op implementation.
	Metrics metrics.LedgerMetrics
}

type shard struct {
	mu       sync.RWMutex
	entities map[uint64]*Entity
}

// Registry maps identifiers to live entities.
//
// The id space is split across shards, each guarded by its own RWMutex, so
// lookups of unrelated ids never contend. Shard locks protect only the map;
// entity state is protected by each entity's own mutex. When both are needed
// (Remove) the shard lock is taken first.
//
// Identifiers are never reused, even after removal.
//
// Example usage:
//
//	reg := registry.New(registry.Config{})
//	book, _ := reg.Create(ctx, registry.EntitySpec{Name: "Clean Code", Attrs: []string{"Robert C. Martin", "2008"}})
//	snap, _ := reg.Get(book.ID())
type Registry struct {
	shards   []*shard
	ids      IDGenerator
	seq      IDGenerator
	count    atomic.Int64
	validate *validator.Validate
	journal  journal.Journal
	metrics  metrics.LedgerMetrics
}

// New creates an empty registry.
func New(config Config) *Registry {
	n := config.Shards
	if n <= 0 {
		n = DefaultShardCount
	}

	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{entities: make(map[uint64]*Entity)}
	}

	j := config.Journal
	if j == nil {
		j = journal.NewNoop()
	}
	m := config.Metrics
	if m == nil {
		m = metrics.NewNoopLedgerMetrics()
	}

	return &Registry{
		shards:   shards,
		validate: validator.New(),
		journal:  j,
		metrics:  m,
	}
}

func (r *Registry) shardFor(id uint64) *shard {
	return r.shards[id%uint64(len(r.shards))]
}

// Create validates spec, assigns a fresh id and inserts the entity.
//
// Returns:
//   - *Entity: The inserted entity
//   - error: *ValidationError if spec is rejected, ctx.Err() if cancelled
func (r *Registry) Create(ctx context.Context, spec EntitySpec) (*Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := r.validateSpec(spec); err != nil {
		r.metrics.RecordOperation(string(journal.OpCreate), metrics.OutcomeRejected)
		return nil, err
	}

	e := newEntity(r.ids.Next(), spec)

	// The entity is unreachable until inserted, so seq is taken before any
	// other mutation of it can be.
	seq := r.seq.Next()

	s := r.shardFor(e.id)
	s.mu.Lock()
	s.entities[e.id] = e
	s.mu.Unlock()

	r.metrics.SetEntities(r.count.Add(1))
	r.metrics.RecordOperation(string(journal.OpCreate), metrics.OutcomeCommitted)
	r.record(ctx, journal.Entry{Seq: seq, Op: journal.OpCreate, From: e.id, Quantity: spec.Quantity})

	return e, nil
}

// Get returns the live entity with the given id, or ErrNotFound.
func (r *Registry) Get(id uint64) (*Entity, error) {
	s := r.shardFor(id)
	s.mu.RLock()
	e, ok := s.entities[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Remove unlinks the entity and returns its final state.
//
// The entity lock is held while it is marked removed, so any concurrent
// mutation either completes before the removal or fails with ErrNotFound.
func (r *Registry) Remove(ctx context.Context, id uint64) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	s := r.shardFor(id)
	s.mu.Lock()
	e, ok := s.entities[id]
	if !ok {
		s.mu.Unlock()
		r.metrics.RecordOperation(string(journal.OpRemove), metrics.OutcomeRejected)
		return Snapshot{}, ErrNotFound
	}

	e.mu.Lock()
	e.removed = true
	snap := e.snapshotLocked()
	seq := r.seq.Next()
	e.mu.Unlock()

	delete(s.entities, id)
	s.mu.Unlock()

	r.metrics.SetEntities(r.count.Add(-1))
	r.metrics.RecordOperation(string(journal.OpRemove), metrics.OutcomeCommitted)
	r.record(ctx, journal.Entry{Seq: seq, Op: journal.OpRemove, From: id, Quantity: snap.Quantity})

	return snap, nil
}

// List returns a snapshot of every live entity ordered by id.
//
// Each snapshot is atomic with respect to its entity. The listing as a whole
// is not: entities created or removed during the call may or may not appear.
func (r *Registry) List() []Snapshot {
	var entities []*Entity
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.entities {
			entities = append(entities, e)
		}
		s.mu.RUnlock()
	}

	sort.Slice(entities, func(i, j int) bool { return entities[i].id < entities[j].id })

	snapshots := make([]Snapshot, 0, len(entities))
	for _, e := range entities {
		if snap, live := e.snapshot(); live {
			snapshots = append(snapshots, snap)
		}
	}
	return snapshots
}

// Len returns the number of live entities.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// History returns the journaled mutations involving id, oldest first.
//
// Removed entities keep their history. Ids that were never issued yield
// ErrNotFound; journal.ErrDisabled is returned when journaling is off.
func (r *Registry) History(ctx context.Context, id uint64, limit int) ([]journal.Entry, error) {
	if id == 0 || id > r.ids.Last() {
		return nil, ErrNotFound
	}

	entries, err := r.journal.History(ctx, id, limit)
	if err != nil {
		if errors.Is(err, journal.ErrDisabled) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read history of %d: %w", id, err)
	}
	return entries, nil
}

func (r *Registry) validateSpec(spec EntitySpec) error {
	err := r.validate.Struct(spec)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return &ValidationError{Field: fieldErrs[0].Field(), Rule: fieldErrs[0].Tag()}
	}
	return fmt.Errorf("invalid entity spec: %w", err)
}

// record appends a committed mutation to the journal. Journal failures are
// logged and never undo the mutation. Cancellation of ctx does not drop
// the entry since the mutation has already been applied.
func (r *Registry) record(ctx context.Context, entry journal.Entry) {
	entry.Time = time.Now()
	if err := r.journal.Append(context.WithoutCancel(ctx), entry); err != nil {
		logger.Warn("Journal append failed for %s seq=%d: %v", entry.Op, entry.Seq, err)
	}
}
