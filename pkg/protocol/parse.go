package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/marmos91/tallyd/pkg/registry"
)

// Request is a parsed command line.
type Request struct {
	// Keyword is the upper-cased command name
	Keyword string

	// Args are the whitespace-separated arguments
	Args []string

	// Raw is everything after the keyword, trimmed
	Raw string
}

// ParseLine splits a line into keyword and arguments.
// Returns false for blank lines, which are ignored by the server.
func ParseLine(line string) (Request, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Request{}, false
	}

	keyword, rest := line, ""
	if i := strings.IndexFunc(line, unicode.IsSpace); i >= 0 {
		keyword, rest = line[:i], strings.TrimSpace(line[i:])
	}

	return Request{
		Keyword: strings.ToUpper(keyword),
		Args:    strings.Fields(rest),
		Raw:     rest,
	}, true
}

// argError reports an argument that failed to parse.
type argError struct {
	field string
	value string
}

func (e *argError) Error() string {
	return fmt.Sprintf("%s inválido: %s", e.field, e.value)
}

func parseID(field, value string) (uint64, error) {
	id, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, &argError{field: field, value: value}
	}
	return id, nil
}

func parseQuantity(field, value string) (int64, error) {
	q, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, &argError{field: field, value: value}
	}
	return q, nil
}

const qtyPrefix = "qty="

// ParseEntitySpec parses the CREATE argument:
//
//	<name>|<attr>|...[|qty=<n>]
//
// Segments are trimmed. A trailing qty= segment sets the quantity and marks
// the entity as tracked.
func ParseEntitySpec(raw string) (registry.EntitySpec, error) {
	parts := strings.Split(raw, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	var spec registry.EntitySpec
	if last := parts[len(parts)-1]; len(parts) > 1 && strings.HasPrefix(strings.ToLower(last), qtyPrefix) {
		q, err := parseQuantity("qty", last[len(qtyPrefix):])
		if err != nil {
			return spec, err
		}
		spec.Quantity = q
		spec.Tracked = true
		parts = parts[:len(parts)-1]
	}

	spec.Name = parts[0]
	if len(parts) > 1 {
		spec.Attrs = parts[1:]
	}
	return spec, nil
}
