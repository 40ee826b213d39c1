package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/amalloy/turntable/internal/db"
	"github.com/amalloy/turntable/internal/period"
	"github.com/amalloy/turntable/internal/query"
	"github.com/amalloy/turntable/internal/registry"
	"github.com/amalloy/turntable/pkg/logx"
)

// ---------------------------------------------------------------------------
// /render
// ---------------------------------------------------------------------------

// handleRender answers graphite-style render requests. Responds 404 when
// the resolved target set yields zero datapoints in total, so dashboards
// can tell "nothing matched" from "matched but flat".
func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	targets := q["target"]
	if len(targets) == 0 {
		writeErr(w, http.StatusBadRequest, "at least one target is required")
		return
	}

	from, err := optionalEpoch(q.Get("from"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Sprintf("from: %v", err))
		return
	}
	until, err := optionalEpoch(q.Get("until"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Sprintf("until: %v", err))
		return
	}

	series, err := s.renderer.Render(r.Context(), targets, from, until)
	if err != nil {
		s.log.Error("render failed", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "render failed")
		return
	}

	total := 0
	for _, sr := range series {
		total += len(sr.Datapoints)
	}
	if total == 0 {
		writeErr(w, http.StatusNotFound, "no datapoints for the requested targets")
		return
	}
	writeJSON(w, http.StatusOK, series)
}

// optionalEpoch parses a from/until query value: absent means nil,
// negative means a relative offset in seconds.
func optionalEpoch(raw string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("not an integer: %q", raw)
	}
	return &v, nil
}

// ---------------------------------------------------------------------------
// /add, /remove
// ---------------------------------------------------------------------------

type addPayload struct {
	Name     string `json:"name"`
	DB       string `json:"db"`
	SQL      string `json:"query"`
	Period   string `json:"period"`
	Backfill int64  `json:"backfill,omitempty"`
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var p addPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}

	spec, err := period.Parse(p.Period)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	// Registered under the app context, not the request context: the live
	// schedule and any backfill must outlive this call.
	def, err := s.reg.Add(s.appCtx, registry.AddRequest{
		Name:         p.Name,
		DB:           p.DB,
		SQL:          p.SQL,
		Period:       spec,
		BackfillFrom: p.Backfill,
	})
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrConflict):
			writeErr(w, http.StatusConflict, err.Error())
		case errors.Is(err, db.ErrUnknownDatabase):
			writeErr(w, http.StatusBadRequest, err.Error())
		default:
			writeErr(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, def)
}

type removePayload struct {
	Name string `json:"name"`
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	var p removePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if !s.reg.Remove(p.Name) {
		writeErr(w, http.StatusNotFound, fmt.Sprintf("query %q not registered", p.Name))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

// ---------------------------------------------------------------------------
// /get, /queries
// ---------------------------------------------------------------------------

type getResponse struct {
	Query  query.Definition  `json:"query"`
	Recent []*query.Envelope `json:"recent,omitempty"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeErr(w, http.StatusBadRequest, "name is required")
		return
	}
	def, err := s.reg.Get(name)
	if err != nil {
		writeErr(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, getResponse{Query: def, Recent: s.reg.Recent(name)})
}

type queriesResponse struct {
	Queries   []query.Definition `json:"queries"`
	Databases []string           `json:"databases"`
}

func (s *Server) handleQueries(w http.ResponseWriter, _ *http.Request) {
	defs, dbs := s.reg.List()
	if defs == nil {
		defs = []query.Definition{}
	}
	writeJSON(w, http.StatusOK, queriesResponse{Queries: defs, Databases: dbs})
}

// ---------------------------------------------------------------------------
// /stage
// ---------------------------------------------------------------------------

// handleStage runs a query once, immediately, against the named database
// and returns a plain-text preview. Nothing is scheduled or persisted.
// Execution failures come back in the body (400) instead of being logged
// and swallowed like scheduled runs.
func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	if !s.stageLimiter.Allow() {
		writeErr(w, http.StatusTooManyRequests, "stage rate limit exceeded")
		return
	}

	q := r.URL.Query()
	dbName := q.Get("db")
	sql := q.Get("query")
	if dbName == "" || sql == "" {
		writeErr(w, http.StatusBadRequest, "db and query are required")
		return
	}

	def := query.Definition{Name: "stage", DB: dbName, SQL: sql}
	env, err := query.Build(s.dbs, def)(r.Context(), time.Now())

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "stage failed: %v\n", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, env.Dump())
}
