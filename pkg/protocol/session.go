package protocol

import (
	"sort"

	"github.com/google/uuid"
)

// Session is the per-connection scratch state.
//
// A Session is owned by exactly one connection goroutine and is never shared,
// so it carries no synchronization.
type Session struct {
	// ID identifies the session in logs
	ID string

	// RemoteAddr is the client address ("IP:port")
	RemoteAddr string

	// order accumulates ORDER lines: entity id -> units
	order map[uint64]int64
}

// NewSession creates a session with a fresh random id.
func NewSession(remoteAddr string) *Session {
	return &Session{
		ID:         uuid.NewString(),
		RemoteAddr: remoteAddr,
		order:      make(map[uint64]int64),
	}
}

// OrderLine is one entry of the pending order.
type OrderLine struct {
	ID    uint64
	Units int64
}

// AddToOrder adds units of entity id to the pending order.
func (s *Session) AddToOrder(id uint64, units int64) {
	s.order[id] += units
}

// Order returns the pending order sorted by entity id.
func (s *Session) Order() []OrderLine {
	lines := make([]OrderLine, 0, len(s.order))
	for id, units := range s.order {
		lines = append(lines, OrderLine{ID: id, Units: units})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ID < lines[j].ID })
	return lines
}

// ResetOrder drops the pending order.
func (s *Session) ResetOrder() {
	clear(s.order)
}
