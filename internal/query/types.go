// Package query holds the scheduled-query model: definitions, the
// executor that runs one query and captures its result envelope, and the
// persist sinks that consume envelopes.
package query

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/amalloy/turntable/internal/period"
)

// Definition describes one registered query. Immutable once created;
// replacing a query requires removing it first.
type Definition struct {
	Name   string      `json:"name"`
	DB     string      `json:"db"`
	SQL    string      `json:"query"`
	Period period.Spec `json:"period"`
	Added  time.Time   `json:"added"`
}

// Row is one result row keyed by column name.
type Row map[string]any

// Envelope is the captured result of a single execution. Start/Stop are
// the wall-clock bounds around the query; Time is the timestamp that was
// bound into the query's placeholders.
type Envelope struct {
	Rows    []Row     `json:"rows"`
	Columns []string  `json:"-"`
	Start   time.Time `json:"start"`
	Stop    time.Time `json:"stop"`
	Time    time.Time `json:"time"`
	Elapsed int64     `json:"elapsed_ms"`
}

// Dump renders the envelope as a plain-text table, used by the ad-hoc
// staging endpoint.
func (e *Envelope) Dump() string {
	var b strings.Builder

	cols := e.Columns
	if len(cols) == 0 && len(e.Rows) > 0 {
		for k := range e.Rows[0] {
			cols = append(cols, k)
		}
		sort.Strings(cols)
	}

	b.WriteString(strings.Join(cols, "\t"))
	b.WriteString("\n")
	for _, row := range e.Rows {
		for i, c := range cols {
			if i > 0 {
				b.WriteString("\t")
			}
			fmt.Fprintf(&b, "%v", row[c])
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\n%d row(s) in %dms\n", len(e.Rows), e.Elapsed)
	return b.String()
}
