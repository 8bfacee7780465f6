package rotation

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule decides when fleet-wide rotation waves begin. The zero value is
// not usable; build one with ParseSchedule.
type Schedule struct {
	expr string
	spec cron.Schedule
}

// ParseSchedule parses a standard five-field cron expression (descriptors
// like @monthly also work). A malformed expression is a startup error, not
// something to discover at the first boundary.
func ParseSchedule(expr string) (Schedule, error) {
	spec, err := cron.ParseStandard(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("parsing rotation schedule %q: %w", expr, err)
	}
	return Schedule{expr: expr, spec: spec}, nil
}

func (s Schedule) String() string { return s.expr }

// Due reports whether a wave boundary has elapsed since lastWave. When it
// returns true, the second value is the boundary itself, which the caller
// persists as the new last-wave mark. Because the boundary and not the
// current time is persisted, invocations after a long gap drain missed
// boundaries one per call: no boundary fires twice and none is skipped.
func (s Schedule) Due(lastWave, now time.Time) (bool, time.Time) {
	boundary := s.spec.Next(lastWave)
	if boundary.IsZero() || boundary.After(now) {
		return false, time.Time{}
	}
	return true, boundary
}
