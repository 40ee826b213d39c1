package render

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/amalloy/turntable/internal/db"
	"github.com/amalloy/turntable/internal/period"
	"github.com/amalloy/turntable/internal/query"
	"github.com/amalloy/turntable/internal/registry"
	"github.com/amalloy/turntable/internal/schedule"
	"github.com/amalloy/turntable/pkg/logx"
)

func i64(v int64) *int64 { return &v }

func TestResolveWindow(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		from, until *int64
		wantFrom    time.Time
		wantUntil   time.Time
	}{
		{
			name:      "both omitted",
			wantUntil: now,
			wantFrom:  now.Add(-24 * time.Hour),
		},
		{
			name:      "absolute",
			from:      i64(now.Add(-2 * time.Hour).Unix()),
			until:     i64(now.Add(-time.Hour).Unix()),
			wantFrom:  now.Add(-2 * time.Hour),
			wantUntil: now.Add(-time.Hour),
		},
		{
			name:      "negative from is relative to until",
			from:      i64(-3600),
			until:     i64(now.Unix()),
			wantFrom:  now.Add(-time.Hour),
			wantUntil: now,
		},
		{
			name:      "negative until is relative to now",
			until:     i64(-600),
			wantUntil: now.Add(-10 * time.Minute),
			wantFrom:  now.Add(-10*time.Minute - 24*time.Hour),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			win := ResolveWindow(tt.from, tt.until, now)
			if !win.From.Equal(tt.wantFrom) {
				t.Fatalf("from = %v, want %v", win.From, tt.wantFrom)
			}
			if !win.Until.Equal(tt.wantUntil) {
				t.Fatalf("until = %v, want %v", win.Until, tt.wantUntil)
			}
		})
	}
}

func TestSplitTarget(t *testing.T) {
	t.Parallel()
	tests := []struct {
		target      string
		name, field string
		ok          bool
	}{
		{target: "q1.v", name: "q1", field: "v", ok: true},
		{target: "a.b.c", name: "a.b", field: "c", ok: true},
		{target: "nodot", ok: false},
		{target: ".field", ok: false},
		{target: "name.", ok: false},
	}
	for _, tt := range tests {
		name, field, ok := splitTarget(tt.target)
		if ok != tt.ok || name != tt.name || field != tt.field {
			t.Fatalf("splitTarget(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.target, name, field, ok, tt.name, tt.field, tt.ok)
		}
	}
}

func TestDatapointJSON(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(Datapoint{Value: int64(1), Timestamp: 1700000000000})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != "[1,1700000000000]" {
		t.Fatalf("unexpected JSON: %s", b)
	}
}

func newFixture(t *testing.T) (*Engine, *registry.Registry, *db.Registry) {
	t.Helper()
	dir := t.TempDir()
	dbs := db.NewRegistry(map[string]db.Options{
		"d1": {Driver: "sqlite", DSN: filepath.Join(dir, "d1.db")},
	}, logx.Nop())
	t.Cleanup(func() { _ = dbs.Close() })

	sched := schedule.New(schedule.Config{DefaultPeriod: period.MustParse("@every 1h")}, logx.Nop())
	sched.Start(context.Background())
	t.Cleanup(func() { sched.Stop(context.Background()) })

	reg := registry.New(registry.Options{SnapshotPath: filepath.Join(dir, "reg.json")}, dbs, sched, logx.Nop())
	t.Cleanup(reg.Close)

	return New(reg, dbs, logx.Nop()), reg, dbs
}

// persistRun executes the query once and archives the envelope the way a
// scheduled tick would.
func persistRun(t *testing.T, dbs *db.Registry, def query.Definition, at time.Time) {
	t.Helper()
	env, err := query.Build(dbs, def)(context.Background(), at)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// Pin _start to the tick time so window assertions are deterministic.
	env.Start = at
	env.Stop = at.Add(time.Duration(env.Elapsed) * time.Millisecond)
	if err := query.NewTableSink(dbs, logx.Nop()).Persist(context.Background(), def, env); err != nil {
		t.Fatalf("persist: %v", err)
	}
}

func TestRenderReturnsDatapoints(t *testing.T) {
	eng, reg, dbs := newFixture(t)
	ctx := context.Background()

	def, err := reg.Add(ctx, registry.AddRequest{
		Name: "q1", DB: "d1", SQL: "SELECT 1 AS v",
		Period: period.MustParse("@every 1h"),
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	tick := time.Now().Add(-time.Hour)
	persistRun(t, dbs, def, tick)

	from := tick.Add(-time.Minute).Unix()
	until := tick.Add(time.Minute).Unix()
	series, err := eng.Render(ctx, []string{"q1.v"}, &from, &until)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(series) != 1 || series[0].Target != "q1.v" {
		t.Fatalf("unexpected series: %+v", series)
	}
	if len(series[0].Datapoints) != 1 {
		t.Fatalf("expected 1 datapoint, got %d", len(series[0].Datapoints))
	}
	dp := series[0].Datapoints[0]
	if v, ok := dp.Value.(int64); !ok || v != 1 {
		t.Fatalf("unexpected value: %#v", dp.Value)
	}
}

func TestRenderChronologicalOrder(t *testing.T) {
	eng, reg, dbs := newFixture(t)
	ctx := context.Background()

	def, err := reg.Add(ctx, registry.AddRequest{
		Name: "q1", DB: "d1", SQL: "SELECT 1 AS v",
		Period: period.MustParse("@every 1h"),
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	base := time.Now().Add(-3 * time.Hour)
	// Archive out of order; render must sort by _start anyway.
	persistRun(t, dbs, def, base.Add(2*time.Hour))
	persistRun(t, dbs, def, base)
	persistRun(t, dbs, def, base.Add(time.Hour))

	from := base.Add(-time.Minute).Unix()
	until := base.Add(3 * time.Hour).Unix()
	series, err := eng.Render(ctx, []string{"q1.v"}, &from, &until)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	pts := series[0].Datapoints
	if len(pts) != 3 {
		t.Fatalf("expected 3 datapoints, got %d", len(pts))
	}
	for i := 1; i < len(pts); i++ {
		if pts[i-1].Timestamp > pts[i].Timestamp {
			t.Fatalf("datapoints out of order: %v", pts)
		}
	}
}

func TestRenderMixedTargets(t *testing.T) {
	eng, reg, dbs := newFixture(t)
	ctx := context.Background()

	def, err := reg.Add(ctx, registry.AddRequest{
		Name: "q1", DB: "d1", SQL: "SELECT 1 AS v",
		Period: period.MustParse("@every 1h"),
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	tick := time.Now().Add(-time.Hour)
	persistRun(t, dbs, def, tick)

	from := tick.Add(-time.Minute).Unix()
	series, err := eng.Render(ctx, []string{"q1.v", "ghost.x", "noseparator"}, &from, nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	// Unknown and malformed targets are dropped; the matched one remains.
	if len(series) != 1 || series[0].Target != "q1.v" {
		t.Fatalf("unexpected series: %+v", series)
	}
}

func TestRenderWindowExcludes(t *testing.T) {
	eng, reg, dbs := newFixture(t)
	ctx := context.Background()

	def, err := reg.Add(ctx, registry.AddRequest{
		Name: "q1", DB: "d1", SQL: "SELECT 1 AS v",
		Period: period.MustParse("@every 1h"),
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	tick := time.Now().Add(-2 * time.Hour)
	persistRun(t, dbs, def, tick)

	// Window entirely after the run.
	from := tick.Add(time.Hour).Unix()
	until := tick.Add(90 * time.Minute).Unix()
	series, err := eng.Render(ctx, []string{"q1.v"}, &from, &until)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(series) != 1 || len(series[0].Datapoints) != 0 {
		t.Fatalf("expected empty datapoints, got %+v", series)
	}
}
