package query

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/amalloy/turntable/internal/db"
	"github.com/amalloy/turntable/pkg/logx"
)

// Metadata columns appended to every result table.
const (
	colStart   = "_start"
	colStop    = "_stop"
	colTime    = "_time"
	colElapsed = "_elapsed"
)

// TableSink archives envelopes into a per-query result table on the same
// database the query runs against. The table is created lazily on the
// first persist, shaped by the query's own SELECT (CREATE TABLE AS
// SELECT) plus the four metadata columns; every later run appends its
// rows augmented with the metadata values.
type TableSink struct {
	dbs *db.Registry
	log logx.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

func NewTableSink(dbs *db.Registry, log logx.Logger) *TableSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &TableSink{dbs: dbs, log: log, ensured: map[string]bool{}}
}

// TableFor returns the quoted result-table identifier for a query name.
func TableFor(name string) string { return db.QuoteIdent(name) }

func (s *TableSink) Persist(ctx context.Context, def Definition, env *Envelope) error {
	h, err := s.dbs.Get(def.DB)
	if err != nil {
		return err
	}

	// Creation and insertion share one session per persist call.
	conn, err := h.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("table sink %q: acquire connection: %w", def.Name, err)
	}
	defer conn.Close()

	created, err := s.ensureTable(ctx, conn, h.Dialect, def, env)
	if err != nil {
		return err
	}
	if created {
		// The CTAS already seeded this run's rows; their metadata was
		// backfilled by ensureTable.
		return nil
	}
	return s.insertRows(ctx, conn, h.Dialect, def, env)
}

// ensureTable creates the result table if absent and reports whether it
// did. Creation is guarded by a driver-neutral existence probe so that
// repeated add-then-run cycles never recreate or corrupt the table.
func (s *TableSink) ensureTable(ctx context.Context, conn *sql.Conn, d db.Dialect, def Definition, env *Envelope) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := def.DB + ":" + def.Name
	if s.ensured[key] {
		return false, nil
	}

	table := TableFor(def.Name)
	if s.tableExists(ctx, conn, table) {
		s.ensured[key] = true
		return false, nil
	}

	// Shape the table with the query itself, bound like any other run.
	params := db.CountPlaceholders(def.SQL)
	args := make([]any, params)
	for i := range args {
		args[i] = env.Time
	}
	ctas := d.Rebind("CREATE TABLE " + table + " AS " + def.SQL)
	if _, err := conn.ExecContext(ctx, ctas, args...); err != nil {
		return false, fmt.Errorf("table sink %q: create: %w", def.Name, err)
	}

	// SQLite only supports one ADD COLUMN per statement. Timestamps are
	// archived as epoch milliseconds so windowing and ordering behave the
	// same on both dialects.
	alters := []string{
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s BIGINT", table, colStart),
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s BIGINT", table, colStop),
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s BIGINT", table, colTime),
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s INTEGER", table, colElapsed),
	}
	for _, stmt := range alters {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return false, fmt.Errorf("table sink %q: add metadata column: %w", def.Name, err)
		}
	}

	// Backfill metadata on the seed rows so every archived row carries the
	// run that produced it.
	update := d.Rebind(fmt.Sprintf(
		"UPDATE %s SET %s = ?, %s = ?, %s = ?, %s = ?",
		table, colStart, colStop, colTime, colElapsed,
	))
	if _, err := conn.ExecContext(ctx, update, env.Start.UnixMilli(), env.Stop.UnixMilli(), env.Time.UnixMilli(), env.Elapsed); err != nil {
		return false, fmt.Errorf("table sink %q: seed metadata: %w", def.Name, err)
	}

	s.ensured[key] = true
	s.log.Info("result table created", logx.String("query", def.Name), logx.String("db", def.DB))
	return true, nil
}

// tableExists probes with a zero-row select, which succeeds exactly when
// the table is present on either dialect.
func (s *TableSink) tableExists(ctx context.Context, conn *sql.Conn, table string) bool {
	rows, err := conn.QueryContext(ctx, "SELECT 1 FROM "+table+" WHERE 1=0")
	if err != nil {
		return false
	}
	_ = rows.Close()
	return true
}

func (s *TableSink) insertRows(ctx context.Context, conn *sql.Conn, d db.Dialect, def Definition, env *Envelope) error {
	if len(env.Rows) == 0 {
		return nil
	}

	table := TableFor(def.Name)
	cols := make([]string, 0, len(env.Columns)+4)
	for _, c := range env.Columns {
		cols = append(cols, db.QuoteIdent(c))
	}
	cols = append(cols, colStart, colStop, colTime, colElapsed)

	marks := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	insert := d.Rebind(fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), marks,
	))

	stmt, err := conn.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("table sink %q: prepare insert: %w", def.Name, err)
	}
	defer stmt.Close()

	for _, row := range env.Rows {
		args := make([]any, 0, len(cols))
		for _, c := range env.Columns {
			args = append(args, row[c])
		}
		args = append(args, env.Start.UnixMilli(), env.Stop.UnixMilli(), env.Time.UnixMilli(), env.Elapsed)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("table sink %q: insert: %w", def.Name, err)
		}
	}
	return nil
}
