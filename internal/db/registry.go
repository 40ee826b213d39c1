// Package db resolves the named databases that scheduled queries run
// against. Pools are opened lazily per name and shared; individual
// executions check a connection out of the pool and release it when done.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	_ "modernc.org/sqlite"             // pure-Go sqlite driver

	"github.com/amalloy/turntable/pkg/logx"
)

var ErrUnknownDatabase = errors.New("unknown database")

// Options describes one named database.
type Options struct {
	Driver string // "sqlite" or "postgres"
	DSN    string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Handle is an opened named database plus its dialect.
type Handle struct {
	Name    string
	DB      *sql.DB
	Dialect Dialect
}

// Registry maps database names to lazily-opened pools.
type Registry struct {
	mu    sync.Mutex
	log   logx.Logger
	opts  map[string]Options
	pools map[string]*Handle
}

func NewRegistry(opts map[string]Options, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	cp := make(map[string]Options, len(opts))
	for k, v := range opts {
		cp[strings.TrimSpace(k)] = v
	}
	return &Registry{log: log, opts: cp, pools: map[string]*Handle{}}
}

// Names lists the configured database names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.opts))
	for k := range r.opts {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Get returns the pool for a named database, opening it on first use.
func (r *Registry) Get(name string) (*Handle, error) {
	name = strings.TrimSpace(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.pools[name]; ok {
		return h, nil
	}
	opt, ok := r.opts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDatabase, name)
	}

	h, err := open(name, opt)
	if err != nil {
		return nil, err
	}
	r.pools[name] = h
	r.log.Debug("database opened", logx.String("db", name), logx.String("driver", opt.Driver))
	return h, nil
}

func open(name string, opt Options) (*Handle, error) {
	dialect, driverName, err := resolveDriver(opt.Driver)
	if err != nil {
		return nil, fmt.Errorf("database %q: %w", name, err)
	}
	if strings.TrimSpace(opt.DSN) == "" {
		return nil, fmt.Errorf("database %q: dsn is required", name)
	}

	pool, err := sql.Open(driverName, opt.DSN)
	if err != nil {
		return nil, fmt.Errorf("database %q: open: %w", name, err)
	}

	switch dialect {
	case DialectSQLite:
		// SQLite prefers a small number of concurrent writers.
		pool.SetMaxOpenConns(1)
		pool.SetMaxIdleConns(1)
	default:
		maxOpen := opt.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 10
		}
		maxIdle := opt.MaxIdleConns
		if maxIdle <= 0 {
			maxIdle = 2
		}
		life := opt.ConnMaxLifetime
		if life <= 0 {
			life = 5 * time.Minute
		}
		pool.SetMaxOpenConns(maxOpen)
		pool.SetMaxIdleConns(maxIdle)
		pool.SetConnMaxLifetime(life)
	}

	return &Handle{Name: name, DB: pool, Dialect: dialect}, nil
}

func resolveDriver(driver string) (Dialect, string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return DialectSQLite, "sqlite", nil
	case "postgres", "postgresql", "pgx", "pg":
		return DialectPostgres, "pgx", nil
	default:
		return 0, "", fmt.Errorf("unknown driver %q", driver)
	}
}

// Ping verifies connectivity to every configured database.
func (r *Registry) Ping(ctx context.Context) error {
	for _, name := range r.Names() {
		h, err := r.Get(name)
		if err != nil {
			return err
		}
		if err := h.DB.PingContext(ctx); err != nil {
			return fmt.Errorf("database %q: ping: %w", name, err)
		}
	}
	return nil
}

// Close closes every opened pool. Safe to call once at shutdown.
func (r *Registry) Close() error {
	r.mu.Lock()
	pools := r.pools
	r.pools = map[string]*Handle{}
	r.mu.Unlock()

	var firstErr error
	for name, h := range pools {
		if err := h.DB.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("database %q: close: %w", name, err)
		}
	}
	return firstErr
}
