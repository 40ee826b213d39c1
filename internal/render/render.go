// Package render resolves time-series read requests against the archived
// result tables. A target "<queryName>.<field>" projects one column of
// one query's archive as (value, timestamp) datapoints.
package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amalloy/turntable/internal/db"
	"github.com/amalloy/turntable/internal/query"
	"github.com/amalloy/turntable/internal/registry"
	"github.com/amalloy/turntable/pkg/logx"
)

// Datapoint is one (value, timestamp) pair. Timestamps are epoch
// milliseconds. The JSON form is a two-element array, graphite style.
type Datapoint struct {
	Value     any
	Timestamp int64
}

func (d Datapoint) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{d.Value, d.Timestamp})
}

func (d *Datapoint) UnmarshalJSON(b []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &d.Value); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &d.Timestamp)
}

// Series is the rendered form of one target.
type Series struct {
	Target     string      `json:"target"`
	Datapoints []Datapoint `json:"datapoints"`
}

// Window is a resolved [From, Until] time range.
type Window struct {
	From  time.Time
	Until time.Time
}

// ResolveWindow turns the raw from/until request values (seconds since
// epoch, nil when omitted) into an absolute window:
//
//   - until omitted: now
//   - from omitted: until minus one day
//   - negative values are relative offsets, added to the reference time
//     (now for until, the resolved until for from)
func ResolveWindow(from, until *int64, now time.Time) Window {
	u := now
	if until != nil {
		if *until < 0 {
			u = now.Add(time.Duration(*until) * time.Second)
		} else {
			u = time.Unix(*until, 0)
		}
	}

	f := u.Add(-24 * time.Hour)
	if from != nil {
		if *from < 0 {
			f = u.Add(time.Duration(*from) * time.Second)
		} else {
			f = time.Unix(*from, 0)
		}
	}
	return Window{From: f, Until: u}
}

// Engine answers render requests from the registry plus the per-query
// result tables.
type Engine struct {
	reg *registry.Registry
	dbs *db.Registry
	log logx.Logger
}

func New(reg *registry.Registry, dbs *db.Registry, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{reg: reg, dbs: dbs, log: log}
}

// Render resolves each target and fetches its datapoints for the window.
// Unknown query names yield no series for that target; a mix of matched
// and unmatched targets still returns the matched ones.
func (e *Engine) Render(ctx context.Context, targets []string, from, until *int64) ([]Series, error) {
	win := ResolveWindow(from, until, time.Now())

	var out []Series
	for _, target := range targets {
		name, field, ok := splitTarget(target)
		if !ok {
			e.log.Debug("render: malformed target", logx.String("target", target))
			continue
		}
		def, err := e.reg.Get(name)
		if err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				e.log.Debug("render: unknown query", logx.String("target", target))
				continue
			}
			return nil, err
		}

		points, err := e.fetch(ctx, def, field, win)
		if err != nil {
			// A query that has registered but never run has no table yet;
			// that is "no datapoints", not a request failure.
			e.log.Debug("render: fetch failed",
				logx.String("target", target),
				logx.Err(err),
			)
			points = nil
		}
		out = append(out, Series{Target: target, Datapoints: points})
	}
	return out, nil
}

// splitTarget separates "<queryName>.<field>" on the last dot, so query
// names may themselves contain dots.
func splitTarget(target string) (name, field string, ok bool) {
	i := strings.LastIndex(target, ".")
	if i <= 0 || i == len(target)-1 {
		return "", "", false
	}
	return target[:i], target[i+1:], true
}

// fetch projects field from the query's result table, windowed on _start
// (inclusive on both ends) and explicitly ordered so datapoints come back
// chronological regardless of storage return order.
func (e *Engine) fetch(ctx context.Context, def query.Definition, field string, win Window) ([]Datapoint, error) {
	h, err := e.dbs.Get(def.DB)
	if err != nil {
		return nil, err
	}

	stmt := h.Dialect.Rebind(fmt.Sprintf(
		"SELECT %s AS value, _time FROM %s WHERE _start >= ? AND _start <= ? ORDER BY _start",
		db.QuoteIdent(field), query.TableFor(def.Name),
	))
	rows, err := h.DB.QueryContext(ctx, stmt, win.From.UnixMilli(), win.Until.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []Datapoint
	for rows.Next() {
		var (
			value any
			ts    int64
		)
		if err := rows.Scan(&value, &ts); err != nil {
			return nil, err
		}
		if b, ok := value.([]byte); ok {
			value = string(b)
		}
		points = append(points, Datapoint{Value: value, Timestamp: ts})
	}
	return points, rows.Err()
}
