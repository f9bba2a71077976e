// Package protocol implements the line-oriented command language spoken by
// tallyd clients.
//
// Each request is one UTF-8 line: a case-insensitive keyword followed by
// whitespace-separated arguments (CREATE takes a single '|'-separated
// argument instead). Each response is either one line starting with OK, ERR
// or BYE, or a framed block:
//
//	OK LIST 2
//	ID=1 | "Clean Code" | Robert C. Martin | 2008 | DISPONIBLE
//	ID=2 | "Refactoring" | Martin Fowler | 1999 | PRESTADO
//	END
//
// The Dispatcher is shared by all connections and holds no per-connection
// state; that lives in a Session owned by the connection goroutine.
package protocol
