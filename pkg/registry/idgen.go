package registry

import "sync/atomic"

// IDGenerator issues strictly increasing identifiers starting at 1.
//
// Thread safety:
// Safe for concurrent use; the only synchronization is the atomic counter.
type IDGenerator struct {
	last atomic.Uint64
}

// Next returns a value greater than every value previously returned.
func (g *IDGenerator) Next() uint64 {
	return g.last.Add(1)
}

// Last returns the most recently issued id, or 0 if none was issued yet.
func (g *IDGenerator) Last() uint64 {
	return g.last.Load()
}
