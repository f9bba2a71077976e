package protocol

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/marmos91/tallyd/internal/logger"
	"github.com/marmos91/tallyd/pkg/journal"
	"github.com/marmos91/tallyd/pkg/registry"
)

// Response is the outcome of one command.
type Response struct {
	// Command is the recognized keyword, or "UNKNOWN"
	Command string

	// Lines to write back, each without its trailing newline
	Lines []string

	// OK is false when the command was rejected
	OK bool

	// Close asks the connection to end after writing Lines
	Close bool
}

// commandHandler executes a parsed request.
type commandHandler func(d *Dispatcher, ctx context.Context, sess *Session, req Request) Response

// commandInfo describes one command for dispatch.
type commandInfo struct {
	// Name is the canonical keyword reported in metrics and logs
	Name string

	// Usage is printed after "ERR Uso: " when the argument count is wrong
	Usage string

	// MinArgs and MaxArgs bound len(Request.Args). MaxArgs < 0 means unbounded.
	MinArgs int
	MaxArgs int

	Handler commandHandler
}

// commandTable maps upper-cased keywords (and aliases) to their handler.
var commandTable map[string]*commandInfo

func init() {
	create := &commandInfo{Name: "CREATE", Usage: "CREATE nombre|atributo...[|qty=n]", MinArgs: 1, MaxArgs: -1, Handler: handleCreate}
	remove := &commandInfo{Name: "REMOVE", Usage: "REMOVE id", MinArgs: 1, MaxArgs: 1, Handler: handleRemove}

	commandTable = map[string]*commandInfo{
		"HELP":     {Name: "HELP", Usage: "HELP", MaxArgs: 0, Handler: handleHelp},
		"LIST":     {Name: "LIST", Usage: "LIST", MaxArgs: 0, Handler: handleList},
		"GET":      {Name: "GET", Usage: "GET id", MinArgs: 1, MaxArgs: 1, Handler: handleGet},
		"CREATE":   create,
		"ADD":      create,
		"REMOVE":   remove,
		"BUY":      remove,
		"TRANSFER": {Name: "TRANSFER", Usage: "TRANSFER origen destino cantidad", MinArgs: 3, MaxArgs: 3, Handler: handleTransfer},
		"BORROW":   {Name: "BORROW", Usage: "BORROW id", MinArgs: 1, MaxArgs: 1, Handler: handleBorrow},
		"RETURN":   {Name: "RETURN", Usage: "RETURN id", MinArgs: 1, MaxArgs: 1, Handler: handleReturn},
		"DEPOSIT":  {Name: "DEPOSIT", Usage: "DEPOSIT id cantidad", MinArgs: 2, MaxArgs: 2, Handler: handleDeposit},
		"WITHDRAW": {Name: "WITHDRAW", Usage: "WITHDRAW id cantidad", MinArgs: 2, MaxArgs: 2, Handler: handleWithdraw},
		"HISTORY":  {Name: "HISTORY", Usage: "HISTORY id [limite]", MinArgs: 1, MaxArgs: 2, Handler: handleHistory},
		"ORDER":    {Name: "ORDER", Usage: "ORDER id cantidad", MinArgs: 2, MaxArgs: 2, Handler: handleOrder},
		"TOTAL":    {Name: "TOTAL", Usage: "TOTAL", MaxArgs: 0, Handler: handleTotal},
		"CLOSE":    {Name: "CLOSE", Usage: "CLOSE", MaxArgs: 0, Handler: handleClose},
		"BYE":      {Name: "BYE", Usage: "BYE", MaxArgs: 0, Handler: handleBye},
	}
}

// HelpText lists every command on one line.
const HelpText = "LIST | GET id | CREATE nombre|atributo...[|qty=n] | REMOVE id | " +
	"TRANSFER origen destino cantidad | BORROW id | RETURN id | DEPOSIT id cantidad | " +
	"WITHDRAW id cantidad | HISTORY id [limite] | ORDER id cantidad | TOTAL | CLOSE | HELP | BYE"

// Dispatcher executes commands against a registry.
//
// A single Dispatcher serves every connection. Its only mutable state is the
// process-wide closed order counter, which is atomic.
//
// Example usage:
//
//	d := protocol.NewDispatcher(reg)
//	sess := protocol.NewSession(conn.RemoteAddr().String())
//	resp := d.Handle(ctx, sess, "TRANSFER 1 2 10")
type Dispatcher struct {
	coord        *registry.Coordinator
	closedOrders atomic.Int64
}

// NewDispatcher creates a dispatcher over reg.
func NewDispatcher(reg *registry.Registry) *Dispatcher {
	return &Dispatcher{coord: registry.NewCoordinator(reg)}
}

// Registry returns the registry commands operate on.
func (d *Dispatcher) Registry() *registry.Registry {
	return d.coord.Registry()
}

// ClosedOrders returns how many orders have been closed since startup.
func (d *Dispatcher) ClosedOrders() int64 {
	return d.closedOrders.Load()
}

// Banner returns the greeting written when a client connects.
func (d *Dispatcher) Banner() []string {
	return []string{
		"Bienvenido a tallyd.",
		"Comandos: " + HelpText,
	}
}

// Handle parses and executes one request line.
//
// Blank lines yield a zero Response (no Command, no Lines) which the caller
// must not answer. Every other line yields at least one line of output.
// Rejections never mutate shared state.
func (d *Dispatcher) Handle(ctx context.Context, sess *Session, line string) Response {
	req, valid := ParseLine(line)
	if !valid {
		return Response{}
	}

	info, found := commandTable[req.Keyword]
	if !found {
		logger.Debug("[%s] Unknown command %q", sess.ID, req.Keyword)
		return Response{Command: "UNKNOWN", Lines: errLine("Comando no reconocido")}
	}

	if len(req.Args) < info.MinArgs || (info.MaxArgs >= 0 && len(req.Args) > info.MaxArgs) {
		return Response{Command: info.Name, Lines: errLine("Uso: %s", info.Usage)}
	}

	logger.Debug("[%s] %s %s", sess.ID, info.Name, req.Raw)
	resp := info.Handler(d, ctx, sess, req)
	resp.Command = info.Name
	return resp
}

func ok(lines []string) Response {
	return Response{Lines: lines, OK: true}
}

func rejected(lines []string) Response {
	return Response{Lines: lines}
}

// failure converts an error into a response. Cancellation and internal
// failures are logged; business rejections are not.
func failure(sess *Session, err error, id uint64) Response {
	var aerr *argError
	if errors.As(err, &aerr) {
		return rejected(errLine("%s", aerr.Error()))
	}
	if !registry.IsRejection(err) && !errors.Is(err, journal.ErrDisabled) {
		logger.Error("[%s] Command failed: %v", sess.ID, err)
	}
	return rejected(errorLines(err, id))
}

func handleHelp(_ *Dispatcher, _ context.Context, _ *Session, _ Request) Response {
	return ok(okLine("%s", HelpText))
}

func handleList(d *Dispatcher, _ context.Context, _ *Session, _ Request) Response {
	snapshots := d.Registry().List()
	body := make([]string, len(snapshots))
	for i, s := range snapshots {
		body[i] = FormatEntity(s)
	}
	return ok(framed("LIST", body))
}

func handleGet(d *Dispatcher, _ context.Context, sess *Session, req Request) Response {
	id, err := parseID("id", req.Args[0])
	if err != nil {
		return failure(sess, err, 0)
	}
	e, err := d.Registry().Get(id)
	if err != nil {
		return failure(sess, err, id)
	}
	return ok([]string{FormatEntity(e.Snapshot())})
}

func handleCreate(d *Dispatcher, ctx context.Context, sess *Session, req Request) Response {
	spec, err := ParseEntitySpec(req.Raw)
	if err != nil {
		return failure(sess, err, 0)
	}
	e, err := d.Registry().Create(ctx, spec)
	if err != nil {
		return failure(sess, err, 0)
	}
	return ok(okLine("Created: %s", FormatEntity(e.Snapshot())))
}

func handleRemove(d *Dispatcher, ctx context.Context, sess *Session, req Request) Response {
	id, err := parseID("id", req.Args[0])
	if err != nil {
		return failure(sess, err, 0)
	}
	snap, err := d.Registry().Remove(ctx, id)
	if err != nil {
		return failure(sess, err, id)
	}
	return ok(okLine("Eliminado: %s", FormatEntity(snap)))
}

func handleTransfer(d *Dispatcher, ctx context.Context, sess *Session, req Request) Response {
	from, err := parseID("origen", req.Args[0])
	if err != nil {
		return failure(sess, err, 0)
	}
	to, err := parseID("destino", req.Args[1])
	if err != nil {
		return failure(sess, err, 0)
	}
	q, err := parseQuantity("cantidad", req.Args[2])
	if err != nil {
		return failure(sess, err, 0)
	}

	result, err := d.coord.Transfer(ctx, from, to, q)
	if err != nil {
		missing := from
		if errors.Is(err, registry.ErrNotFound) {
			if _, gerr := d.Registry().Get(from); gerr == nil {
				missing = to
			}
		}
		return failure(sess, err, missing)
	}
	return ok(okLine("%s ; %s", FormatEntity(result.From), FormatEntity(result.To)))
}

func handleBorrow(d *Dispatcher, ctx context.Context, sess *Session, req Request) Response {
	id, err := parseID("id", req.Args[0])
	if err != nil {
		return failure(sess, err, 0)
	}
	snap, err := d.coord.Borrow(ctx, id)
	if err != nil {
		return failure(sess, err, id)
	}
	return ok(okLine("Prestado: %s", FormatEntity(snap)))
}

func handleReturn(d *Dispatcher, ctx context.Context, sess *Session, req Request) Response {
	id, err := parseID("id", req.Args[0])
	if err != nil {
		return failure(sess, err, 0)
	}
	snap, err := d.coord.Return(ctx, id)
	if err != nil {
		return failure(sess, err, id)
	}
	return ok(okLine("Devuelto: %s", FormatEntity(snap)))
}

func handleDeposit(d *Dispatcher, ctx context.Context, sess *Session, req Request) Response {
	id, q, err := parseIDAndQuantity(req)
	if err != nil {
		return failure(sess, err, 0)
	}
	snap, err := d.coord.Credit(ctx, id, q)
	if err != nil {
		return failure(sess, err, id)
	}
	return ok(okLine("Ingresado: %s", FormatEntity(snap)))
}

func handleWithdraw(d *Dispatcher, ctx context.Context, sess *Session, req Request) Response {
	id, q, err := parseIDAndQuantity(req)
	if err != nil {
		return failure(sess, err, 0)
	}
	snap, err := d.coord.Debit(ctx, id, q)
	if err != nil {
		return failure(sess, err, id)
	}
	return ok(okLine("Retirado: %s", FormatEntity(snap)))
}

func handleHistory(d *Dispatcher, ctx context.Context, sess *Session, req Request) Response {
	id, err := parseID("id", req.Args[0])
	if err != nil {
		return failure(sess, err, 0)
	}
	limit := 0
	if len(req.Args) == 2 {
		n, err := parseQuantity("limite", req.Args[1])
		if err != nil || n < 0 {
			return failure(sess, &argError{field: "limite", value: req.Args[1]}, 0)
		}
		limit = int(n)
	}

	entries, err := d.Registry().History(ctx, id, limit)
	if err != nil {
		return failure(sess, err, id)
	}
	body := make([]string, len(entries))
	for i, e := range entries {
		body[i] = FormatEntry(e)
	}
	return ok(framed("HISTORY", body))
}

func handleOrder(d *Dispatcher, _ context.Context, sess *Session, req Request) Response {
	id, q, err := parseIDAndQuantity(req)
	if err != nil {
		return failure(sess, err, 0)
	}
	if q <= 0 {
		return failure(sess, registry.ErrInvalidQuantity, id)
	}
	if _, err := d.Registry().Get(id); err != nil {
		return failure(sess, err, id)
	}
	sess.AddToOrder(id, q)
	return ok(okLine("Añadido: ID=%d x%d", id, q))
}

func handleTotal(_ *Dispatcher, _ context.Context, sess *Session, _ Request) Response {
	lines := sess.Order()
	var units int64
	for _, l := range lines {
		units += l.Units
	}
	return ok(okLine("Pedido: %d líneas, %d unidades", len(lines), units))
}

// handleClose debits every order line in id order. Lines are independent:
// a line that cannot be served is skipped and earlier debits stay applied.
func handleClose(d *Dispatcher, ctx context.Context, sess *Session, _ Request) Response {
	lines := sess.Order()
	served := 0
	for _, l := range lines {
		if _, err := d.coord.Debit(ctx, l.ID, l.Units); err != nil {
			logger.Debug("[%s] Order line ID=%d x%d not served: %v", sess.ID, l.ID, l.Units, err)
			continue
		}
		served++
	}
	sess.ResetOrder()

	closed := d.closedOrders.Add(1)
	return ok(okLine("Pedido cerrado: %d/%d líneas | Pedidos cerrados=%d", served, len(lines), closed))
}

func handleBye(_ *Dispatcher, _ context.Context, _ *Session, _ Request) Response {
	return Response{Lines: []string{"BYE ¡Hasta luego!"}, OK: true, Close: true}
}

func parseIDAndQuantity(req Request) (uint64, int64, error) {
	id, err := parseID("id", req.Args[0])
	if err != nil {
		return 0, 0, err
	}
	q, err := parseQuantity("cantidad", req.Args[1])
	if err != nil {
		return 0, 0, err
	}
	return id, q, nil
}

// IsFramed reports whether a response header line opens a multi-line block
// terminated by END: exactly "OK LIST <n>" or "OK HISTORY <n>".
func IsFramed(header string) bool {
	fields := strings.Fields(header)
	if len(fields) != 3 || fields[0] != "OK" {
		return false
	}
	if fields[1] != "LIST" && fields[1] != "HISTORY" {
		return false
	}
	n, err := strconv.Atoi(fields[2])
	return err == nil && n >= 0
}
