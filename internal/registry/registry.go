// Package registry owns the process-wide mapping of query name to
// scheduled entry: definition, schedule handle, and the bounded window of
// recent results. All mutations go through the registry and are snapshot
// to disk so definitions survive restarts.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amalloy/turntable/internal/db"
	"github.com/amalloy/turntable/internal/period"
	"github.com/amalloy/turntable/internal/query"
	"github.com/amalloy/turntable/internal/schedule"
	"github.com/amalloy/turntable/pkg/logx"
)

var (
	// ErrConflict is returned by Add when the name is already registered.
	// The registry is left untouched.
	ErrConflict = errors.New("query name already registered")
	// ErrNotFound is returned when a name resolves to no entry.
	ErrNotFound = errors.New("query not registered")
)

const defaultResultsWindow = 50

type entry struct {
	def    query.Definition
	handle *schedule.Handle
	recent []*query.Envelope
}

type Options struct {
	// SnapshotPath is the durable registry file, rewritten wholesale on
	// every add/remove.
	SnapshotPath string
	// ResultsWindow bounds the in-memory recent-results ring per query.
	ResultsWindow int
}

type Registry struct {
	log   logx.Logger
	dbs   *db.Registry
	sched *schedule.Service
	opt   Options
	sinks []query.Sink

	mu      sync.Mutex
	entries map[string]*entry
}

func New(opt Options, dbs *db.Registry, sched *schedule.Service, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.ResultsWindow <= 0 {
		opt.ResultsWindow = defaultResultsWindow
	}
	r := &Registry{
		log:     log,
		dbs:     dbs,
		sched:   sched,
		opt:     opt,
		entries: map[string]*entry{},
	}
	r.sinks = []query.Sink{
		query.NewTableSink(dbs, log),
		query.NewMemorySink(r),
	}
	return r
}

// AddRequest carries the operator-supplied fields of an add operation.
type AddRequest struct {
	Name   string
	DB     string
	SQL    string
	Period period.Spec
	// Added overrides the definition timestamp; zero means now.
	Added time.Time
	// BackfillFrom, when positive, is the start (seconds since epoch) of a
	// historical replay launched alongside the live schedule.
	BackfillFrom int64
}

// Add registers, schedules, persists, and optionally backfills a query.
// A name collision fails with ErrConflict and mutates nothing.
func (r *Registry) Add(ctx context.Context, req AddRequest) (query.Definition, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return query.Definition{}, errors.New("registry: name is required")
	}
	if strings.TrimSpace(req.SQL) == "" {
		return query.Definition{}, errors.New("registry: query is required")
	}
	// Fail fast on an unknown database instead of at the first tick.
	if _, err := r.dbs.Get(req.DB); err != nil {
		return query.Definition{}, err
	}

	added := req.Added
	if added.IsZero() {
		added = time.Now()
	}
	def := query.Definition{
		Name:   name,
		DB:     strings.TrimSpace(req.DB),
		SQL:    req.SQL,
		Period: req.Period,
		Added:  added,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return query.Definition{}, fmt.Errorf("%w: %q", ErrConflict, name)
	}

	job := query.Job(def, query.Build(r.dbs, def), r.sinks, r.log)
	handle, err := r.sched.Schedule(name, def.Period, job)
	if err != nil {
		return query.Definition{}, fmt.Errorf("registry: schedule %q: %w", name, err)
	}

	r.entries[name] = &entry{def: def, handle: handle}
	r.persistLocked()

	if req.BackfillFrom > 0 {
		from := time.Unix(req.BackfillFrom, 0)
		go schedule.Backfill(ctx, r.log, name, def.Period, from, job)
	}

	r.log.Info("query registered",
		logx.String("query", name),
		logx.String("db", def.DB),
		logx.String("period", def.Period.String()),
	)
	return def, nil
}

// Remove cancels the schedule, drops the entry, and rewrites the
// snapshot. Returns whether an entry existed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return false
	}
	// Cancel before dropping so no tick fires for a name the registry no
	// longer knows.
	e.handle.Cancel()
	delete(r.entries, name)
	r.persistLocked()

	r.log.Info("query removed", logx.String("query", name))
	return true
}

// Get returns the definition view of an entry: no handle, no buffered
// results.
func (r *Registry) Get(name string) (query.Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return query.Definition{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return e.def, nil
}

// List returns every definition (sorted by name) plus the configured
// database names.
func (r *Registry) List() ([]query.Definition, []string) {
	r.mu.Lock()
	defs := make([]query.Definition, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, e.def)
	}
	r.mu.Unlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, r.dbs.Names()
}

// Recent returns a copy of the entry's recent-results window, oldest
// first.
func (r *Registry) Recent(name string) []*query.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return nil
	}
	out := make([]*query.Envelope, len(e.recent))
	copy(out, e.recent)
	return out
}

// AppendResult implements query.ResultAppender for the in-memory sink.
// The window is bounded; old envelopes fall off the front.
func (r *Registry) AppendResult(name string, env *query.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		// Entry removed while an execution was in flight; drop silently.
		return
	}
	e.recent = append(e.recent, env)
	if len(e.recent) > r.opt.ResultsWindow {
		e.recent = e.recent[len(e.recent)-r.opt.ResultsWindow:]
	}
}

// Close cancels every schedule handle. The snapshot is left as-is so the
// definitions are restored on the next start.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.handle.Cancel()
	}
	r.entries = map[string]*entry{}
}
