package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/amalloy/turntable/internal/period"
	"github.com/amalloy/turntable/pkg/logx"
)

func TestBackfillReplaysEachOccurrenceOnce(t *testing.T) {
	t.Parallel()
	spec := period.MustParse("@every 1h")
	from := time.Now().Add(-5*time.Hour - time.Minute)

	var got []time.Time
	n := Backfill(context.Background(), logx.Nop(), "q", spec, from, func(_ context.Context, at time.Time) {
		got = append(got, at)
	})

	if n != len(got) {
		t.Fatalf("reported %d invocations, recorded %d", n, len(got))
	}
	want := spec.Occurrences(from, time.Now())
	if len(got) != len(want) {
		t.Fatalf("expected %d occurrences, got %d", len(want), len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i-1].Before(got[i]) {
			t.Fatalf("occurrences not strictly increasing: %v", got)
		}
	}
	if len(got) > 0 && !got[len(got)-1].Before(time.Now()) {
		t.Fatal("backfill replayed a future occurrence")
	}
}

func TestBackfillEmptySpec(t *testing.T) {
	t.Parallel()
	calls := 0
	n := Backfill(context.Background(), logx.Nop(), "q", period.Spec{}, time.Now().Add(-time.Hour), func(context.Context, time.Time) {
		calls++
	})
	if n != 0 || calls != 0 {
		t.Fatalf("empty spec should replay nothing, got n=%d calls=%d", n, calls)
	}
}

func TestBackfillHonorsContextCancel(t *testing.T) {
	t.Parallel()
	spec := period.MustParse("@every 1m")
	from := time.Now().Add(-30 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	Backfill(ctx, logx.Nop(), "q", spec, from, func(context.Context, time.Time) {
		calls++
		if calls == 3 {
			cancel()
		}
	})
	if calls != 3 {
		t.Fatalf("expected cancellation after 3 calls, got %d", calls)
	}
}

func TestScheduleEmptyPeriodNeedsDefault(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if _, err := s.Schedule("q", period.Spec{}, func(context.Context, time.Time) {}); err == nil {
		t.Fatal("expected error scheduling empty period without default")
	}

	s2 := New(Config{DefaultPeriod: period.MustParse("@every 1h")}, logx.Nop())
	s2.Start(context.Background())
	defer s2.Stop(context.Background())
	h, err := s2.Schedule("q", period.Spec{}, func(context.Context, time.Time) {})
	if err != nil {
		t.Fatalf("Schedule with default period: %v", err)
	}
	h.Cancel()
}

func TestCancelStopsFutureFires(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	fired := make(chan struct{}, 16)
	h, err := s.Schedule("tick", period.MustParse("@every 1s"), func(context.Context, time.Time) {
		fired <- struct{}{}
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	// Wait for the first fire, then cancel and require silence afterwards.
	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("schedule never fired")
	}
	h.Cancel()
	// drain anything dispatched before the cancel took hold
	time.Sleep(100 * time.Millisecond)
	for {
		select {
		case <-fired:
			continue
		default:
		}
		break
	}
	select {
	case <-fired:
		t.Fatal("fire observed after Cancel")
	case <-time.After(1500 * time.Millisecond):
	}
}
