// Package period parses and evaluates the recurrence specs that drive
// scheduled queries.
//
// Accepted formats are the robfig/cron ones: 5-field cron expressions
// (min hour dom mon dow), 6-field with optional seconds, descriptors like
// "@hourly", and "@every 55m". The empty spec is valid and means "no own
// recurrence"; the scheduler substitutes its configured default period.
package period

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Spec is a parsed recurrence. The zero value is the empty spec.
type Spec struct {
	raw   string
	sched cron.Schedule
}

// Parse validates raw and returns the parsed spec. An empty (or
// whitespace-only) raw string yields the zero Spec without error.
func Parse(raw string) (Spec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Spec{}, nil
	}
	sched, err := parser.Parse(raw)
	if err != nil {
		return Spec{}, fmt.Errorf("period: invalid spec %q: %w", raw, err)
	}
	return Spec{raw: raw, sched: sched}, nil
}

// MustParse is Parse for tests and constants; it panics on error.
func MustParse(raw string) Spec {
	s, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Spec) IsZero() bool   { return s.raw == "" }
func (s Spec) String() string { return s.raw }

// Schedule exposes the underlying cron schedule, nil for the empty spec.
func (s Spec) Schedule() cron.Schedule { return s.sched }

// Next returns the first occurrence strictly after t, or the zero time for
// the empty spec.
func (s Spec) Next(t time.Time) time.Time {
	if s.sched == nil {
		return time.Time{}
	}
	return s.sched.Next(t)
}

// Occurrences returns every occurrence in [from, until), oldest first.
// The lower bound is inclusive: if from itself is an occurrence it is
// included. The empty spec has no occurrences.
func (s Spec) Occurrences(from, until time.Time) []time.Time {
	if s.sched == nil || !from.Before(until) {
		return nil
	}
	var out []time.Time
	// cron.Schedule.Next is strictly-after, so step back one second to
	// catch an occurrence landing exactly on from.
	t := from.Add(-time.Second)
	for {
		t = s.sched.Next(t)
		if t.IsZero() || !t.Before(until) {
			return out
		}
		if t.Before(from) {
			continue
		}
		out = append(out, t)
	}
}

// MarshalJSON encodes the spec as its raw string.
func (s Spec) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.raw)
}

// UnmarshalJSON accepts a raw spec string and re-validates it.
func (s *Spec) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
