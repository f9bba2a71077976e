package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/marmos91/tallyd/pkg/journal"
	"github.com/marmos91/tallyd/pkg/registry"
)

const (
	statusAvailable = "DISPONIBLE"
	statusBorrowed  = "PRESTADO"
)

// FormatEntity renders a snapshot as a single entity line:
//
//	ID=<id> | "<name>" | <attr>... | [qty=<q> | ]DISPONIBLE|PRESTADO
func FormatEntity(s registry.Snapshot) string {
	var b strings.Builder
	b.WriteString("ID=")
	b.WriteString(strconv.FormatUint(s.ID, 10))
	b.WriteString(" | ")
	b.WriteString(strconv.Quote(s.Name))
	for _, attr := range s.Attrs {
		b.WriteString(" | ")
		b.WriteString(attr)
	}
	if s.Tracked {
		b.WriteString(" | qty=")
		b.WriteString(strconv.FormatInt(s.Quantity, 10))
	}
	b.WriteString(" | ")
	if s.Available {
		b.WriteString(statusAvailable)
	} else {
		b.WriteString(statusBorrowed)
	}
	return b.String()
}

// FormatEntry renders a journal entry:
//
//	#<seq> <RFC3339 time> <OP> ID=<from>[ -> ID=<to>][ qty=<q>]
func FormatEntry(e journal.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s %s ID=%d", e.Seq, e.Time.UTC().Format(time.RFC3339), e.Op, e.From)
	if e.To != 0 {
		fmt.Fprintf(&b, " -> ID=%d", e.To)
	}
	if e.Quantity != 0 {
		fmt.Fprintf(&b, " qty=%d", e.Quantity)
	}
	return b.String()
}

// framed builds a multi-line block: header with count, body, END.
func framed(kind string, body []string) []string {
	lines := make([]string, 0, len(body)+2)
	lines = append(lines, fmt.Sprintf("OK %s %d", kind, len(body)))
	lines = append(lines, body...)
	return append(lines, FrameEnd)
}

// FrameEnd is the line terminating a framed block.
const FrameEnd = "END"

func okLine(format string, args ...any) []string {
	return []string{"OK " + fmt.Sprintf(format, args...)}
}

func errLine(format string, args ...any) []string {
	return []string{"ERR " + fmt.Sprintf(format, args...)}
}

// errorLines maps a registry error to its wire form. id is the entity the
// request referred to, used for the not-found message.
func errorLines(err error, id uint64) []string {
	var verr *registry.ValidationError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return errLine("No existe ID=%d", id)
	case errors.Is(err, registry.ErrInsufficientResource):
		return errLine("InsufficientResource")
	case errors.Is(err, registry.ErrAlreadyBorrowed):
		return errLine("Ya estaba prestado")
	case errors.Is(err, registry.ErrAlreadyAvailable):
		return errLine("Ya estaba disponible")
	case errors.Is(err, registry.ErrSelfTransfer):
		return errLine("TransferToSelf")
	case errors.Is(err, registry.ErrInvalidQuantity):
		return errLine("InvalidQuantity")
	case errors.Is(err, registry.ErrOverflow):
		return errLine("QuantityOverflow")
	case errors.Is(err, journal.ErrDisabled):
		return errLine("Historial desactivado")
	case errors.As(err, &verr):
		return errLine("%s %s", verr.Field, verr.Rule)
	default:
		return errLine("Error interno")
	}
}
