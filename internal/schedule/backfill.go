package schedule

import (
	"context"
	"time"

	"github.com/amalloy/turntable/internal/period"
	"github.com/amalloy/turntable/pkg/logx"
)

// Backfill replays job once per occurrence of spec in [from, now),
// sequentially, oldest first. It runs on its own execution path, fully
// independent of the live schedule for the same query; overlapping
// executions are expected and the sinks tolerate them.
//
// Occurrences are isolated from each other: the job owns its error
// handling, so one failed replay never aborts the rest. Returns the
// number of occurrences invoked.
func Backfill(ctx context.Context, log logx.Logger, name string, spec period.Spec, from time.Time, job func(ctx context.Context, at time.Time)) int {
	if log.IsZero() {
		log = logx.Nop()
	}

	now := time.Now()
	occ := spec.Occurrences(from, now)
	if len(occ) == 0 {
		log.Debug("backfill: nothing to replay", logx.String("query", name), logx.Time("from", from))
		return 0
	}

	log.Info("backfill started",
		logx.String("query", name),
		logx.Time("from", from),
		logx.Int("occurrences", len(occ)),
	)

	done := 0
	for _, at := range occ {
		select {
		case <-ctx.Done():
			log.Warn("backfill interrupted",
				logx.String("query", name),
				logx.Int("done", done),
				logx.Int("total", len(occ)),
			)
			return done
		default:
		}
		job(ctx, at)
		done++
	}

	log.Info("backfill finished", logx.String("query", name), logx.Int("occurrences", done))
	return done
}
