package query

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/amalloy/turntable/internal/db"
	"github.com/amalloy/turntable/pkg/logx"
)

// Runner executes one query run with the given timestamp bound into every
// placeholder, returning the captured envelope.
type Runner func(ctx context.Context, at time.Time) (*Envelope, error)

// Build compiles a definition into a Runner. The placeholder count is
// taken from the SQL text once, up front: a query with N placeholders
// receives the same timestamp value N times, in order.
func Build(dbs *db.Registry, def Definition) Runner {
	params := db.CountPlaceholders(def.SQL)

	return func(ctx context.Context, at time.Time) (*Envelope, error) {
		h, err := dbs.Get(def.DB)
		if err != nil {
			return nil, err
		}
		bound := h.Dialect.Rebind(def.SQL)

		args := make([]any, params)
		for i := range args {
			args[i] = at
		}

		// One session per execution: checked out here, released on return,
		// never shared across concurrent runs.
		conn, err := h.DB.Conn(ctx)
		if err != nil {
			return nil, fmt.Errorf("query %q: acquire connection: %w", def.Name, err)
		}
		defer conn.Close()

		start := time.Now()
		rows, err := conn.QueryContext(ctx, bound, args...)
		if err != nil {
			return nil, fmt.Errorf("query %q: execute: %w", def.Name, err)
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return nil, fmt.Errorf("query %q: columns: %w", def.Name, err)
		}

		var out []Row
		for rows.Next() {
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return nil, fmt.Errorf("query %q: scan: %w", def.Name, err)
			}
			row := make(Row, len(cols))
			for i, c := range cols {
				row[c] = normalizeValue(vals[i])
			}
			out = append(out, row)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query %q: rows: %w", def.Name, err)
		}
		stop := time.Now()

		return &Envelope{
			Rows:    out,
			Columns: cols,
			Start:   start,
			Stop:    stop,
			Time:    at,
			Elapsed: stop.Sub(start).Milliseconds(),
		}, nil
	}
}

// normalizeValue makes driver-returned values JSON- and dump-friendly.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// Job wraps a runner into the fire-and-forget form the scheduler and the
// backfill runner invoke: failures are logged with a stack trace and
// swallowed so the schedule keeps ticking, successes fan out to the sinks.
func Job(def Definition, run Runner, sinks []Sink, log logx.Logger) func(ctx context.Context, at time.Time) {
	return func(ctx context.Context, at time.Time) {
		runID := uuid.NewString()
		env, err := run(ctx, at)
		if err != nil {
			log.Error("query execution failed",
				logx.String("query", def.Name),
				logx.String("db", def.DB),
				logx.String("run_id", runID),
				logx.Err(err),
				logx.Stack(logx.StackTrace(0, 12)),
			)
			return
		}
		log.Debug("query executed",
			logx.String("query", def.Name),
			logx.String("run_id", runID),
			logx.Int("rows", len(env.Rows)),
			logx.Int64("elapsed_ms", env.Elapsed),
		)
		PersistAll(ctx, sinks, def, env, log)
	}
}
