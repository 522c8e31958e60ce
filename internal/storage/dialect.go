package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	// appended to the participant read inside UpdateParticipant
	lockClause string
	// unix milliseconds instead of native timestamps
	millis bool
}

var (
	sqliteDialect   = dialect{name: "sqlite", millis: true}
	postgresDialect = dialect{name: "postgres", numbered: true, lockClause: " FOR UPDATE"}
)

// rebind rewrites ? placeholders for dialects that number them.
// Queries in this package never contain a literal '?'.
func (d dialect) rebind(q string) string {
	if !d.numbered || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// timeArg encodes t for the dialect; the zero time is NULL.
func (d dialect) timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	if d.millis {
		return t.UnixMilli()
	}
	return t.UTC()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return int64(v)
}

// dbTime scans both encodings back into a UTC time.Time.
type dbTime struct{ T time.Time }

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.T = time.Time{}
	case int64:
		t.T = time.UnixMilli(v).UTC()
	case time.Time:
		t.T = v.UTC()
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
	return nil
}

func (t *dbTime) parse(s string) error {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		t.T = time.UnixMilli(ms).UTC()
		return nil
	}
	v, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	t.T = v.UTC()
	return nil
}
