package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/amalloy/turntable/internal/query"
	"github.com/amalloy/turntable/pkg/logx"
)

// The durable snapshot is a sequence of [name, {query: definition}]
// pairs. Handles and result buffers are never persisted; only what is
// needed to reconstruct and re-schedule definitions at startup.

type snapshotPair struct {
	Name string
	Def  query.Definition
}

type snapshotBody struct {
	Query query.Definition `json:"query"`
}

func (p snapshotPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.Name, snapshotBody{Query: p.Def}})
}

func (p *snapshotPair) UnmarshalJSON(b []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &p.Name); err != nil {
		return err
	}
	var body snapshotBody
	if err := json.Unmarshal(raw[1], &body); err != nil {
		return err
	}
	p.Def = body.Query
	return nil
}

// persistLocked rewrites the whole snapshot after a mutation. Failures
// are logged, not propagated: the in-memory registry stays authoritative
// and a later mutation retries the write. Call with r.mu held.
func (r *Registry) persistLocked() {
	path := r.opt.SnapshotPath
	if path == "" {
		return
	}

	pairs := make([]snapshotPair, 0, len(r.entries))
	for name, e := range r.entries {
		pairs = append(pairs, snapshotPair{Name: name, Def: e.def})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Name < pairs[j].Name })

	if err := writeSnapshot(path, pairs); err != nil {
		r.log.Error("registry snapshot write failed", logx.String("path", path), logx.Err(err))
	}
}

// writeSnapshot is atomic: write a temp file, then rename over the
// target, so a crash mid-write never corrupts the durable registry.
func writeSnapshot(path string, pairs []snapshotPair) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(pairs, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Restore re-adds every snapshotted definition, re-scheduling it without
// replaying a backfill. Missing snapshot file means a fresh start.
func (r *Registry) Restore(ctx context.Context) error {
	path := r.opt.SnapshotPath
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("registry: read snapshot: %w", err)
	}

	var pairs []snapshotPair
	if err := json.Unmarshal(b, &pairs); err != nil {
		return fmt.Errorf("registry: decode snapshot %q: %w", path, err)
	}

	for _, p := range pairs {
		def := p.Def
		_, err := r.Add(ctx, AddRequest{
			Name:   p.Name,
			DB:     def.DB,
			SQL:    def.SQL,
			Period: def.Period,
			Added:  def.Added,
		})
		if err != nil {
			// One bad definition should not keep the rest from starting.
			r.log.Error("restore: skipping definition",
				logx.String("query", p.Name),
				logx.Err(err),
			)
		}
	}
	r.log.Info("registry restored", logx.Int("queries", len(pairs)), logx.String("path", path))
	return nil
}
