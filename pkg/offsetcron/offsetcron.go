// Package offsetcron composes a standard 5-field cron expression with a
// signed offset, so jobs can fire a fixed distance before or after the
// base cron instant. Historical collection runs hours after the UTC daily
// close (positive offset); live collection wakes seconds before a bar
// boundary (negative offset).
package offsetcron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is a cron.Schedule whose firing instants sit at a fixed signed
// offset from a base cron's instants.
//
// For offset δ ≥ 0 the next fire is base.Next(t) + δ. For δ < 0 the search
// window is shifted forward by |δ| first: a base instant that lies up to
// |δ| in the future must still yield a fire strictly after t, even though
// the fire precedes its base instant.
type Schedule struct {
	Expr   string
	Offset time.Duration

	base cron.Schedule
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// New parses a 5-field cron expression (minute hour dom month dow) and
// attaches the signed offset.
func New(expr string, offset time.Duration) (*Schedule, error) {
	base, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("offsetcron: invalid cron expression %q: %w", expr, err)
	}
	return &Schedule{Expr: expr, Offset: offset, base: base}, nil
}

// MustNew is New for statically known expressions.
func MustNew(expr string, offset time.Duration) *Schedule {
	s, err := New(expr, offset)
	if err != nil {
		panic(err)
	}
	return s
}

// Next returns the next fire strictly after t, or the zero time when the
// base cron has no further activation.
func (s *Schedule) Next(t time.Time) time.Time {
	shift := time.Duration(0)
	if s.Offset < 0 {
		shift = -s.Offset
	}

	base := s.base.Next(t.Add(shift))
	if base.IsZero() {
		return base
	}
	return base.Add(s.Offset)
}

// String renders the schedule for job listings and logs.
func (s *Schedule) String() string {
	if s.Offset == 0 {
		return s.Expr
	}
	return fmt.Sprintf("%s%+ds", s.Expr, int64(s.Offset/time.Second))
}
