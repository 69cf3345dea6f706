package sqlqueue

import (
	"strconv"
	"strings"
)

// Tables names the three tables used by a Queue.
type Tables struct {
	Messages    string
	Deliveries  string
	DeadLetters string
}

// Dialect captures what differs between SQL backends.
type Dialect struct {
	// Name is the transport name used in logs and errors.
	Name string

	// Tables are the fully qualified table names.
	Tables Tables

	// Schema returns the DDL statements creating the tables. Every statement
	// must be idempotent.
	Schema func(t Tables) []string

	// NumberedPlaceholders switches '?' placeholders to $1, $2, ...
	NumberedPlaceholders bool

	// LockClause is appended to the claim query, e.g. "FOR UPDATE SKIP LOCKED".
	LockClause string

	// Classify maps driver errors onto transport error kinds.
	Classify func(error) error
}

// Rebind rewrites '?' placeholders for dialects that number them.
func (d Dialect) Rebind(query string) string {
	if !d.NumberedPlaceholders {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) classify(err error) error {
	if err == nil || d.Classify == nil {
		return err
	}
	return d.Classify(err)
}
