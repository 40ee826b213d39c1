package query

import (
	"context"
	"fmt"

	"github.com/amalloy/turntable/pkg/logx"
)

// Sink consumes one execution envelope. Sinks must tolerate overlapping
// calls for the same query name: the live schedule and a backfill can run
// concurrently, and writes are append-only.
type Sink interface {
	Persist(ctx context.Context, def Definition, env *Envelope) error
}

// PersistAll fans an envelope out to every sink in order. Each sink is
// isolated: an error (or panic) in one sink is logged and does not stop
// persistence to the remaining sinks.
func PersistAll(ctx context.Context, sinks []Sink, def Definition, env *Envelope, log logx.Logger) {
	for _, s := range sinks {
		if s == nil {
			continue
		}
		if err := persistOne(ctx, s, def, env); err != nil {
			log.Error("sink persist failed",
				logx.String("query", def.Name),
				logx.String("sink", fmt.Sprintf("%T", s)),
				logx.Err(err),
			)
		}
	}
}

func persistOne(ctx context.Context, s Sink, def Definition, env *Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return s.Persist(ctx, def, env)
}

// ResultAppender receives envelopes for in-memory retention. Implemented
// by the registry, which owns the per-query rolling windows.
type ResultAppender interface {
	AppendResult(name string, env *Envelope)
}

// MemorySink appends every envelope to the owning registry entry's
// bounded recent-results window.
type MemorySink struct {
	app ResultAppender
}

func NewMemorySink(app ResultAppender) *MemorySink {
	return &MemorySink{app: app}
}

func (s *MemorySink) Persist(_ context.Context, def Definition, env *Envelope) error {
	s.app.AppendResult(def.Name, env)
	return nil
}
