// Package schedule runs recurring mission schedules: persisted plan
// templates launched on a fixed cron vocabulary. Each schedule maps to one
// gocron job running in singleton mode, so a slow launch never overlaps the
// next tick.
package schedule

import (
	"time"

	"github.com/robfig/cron/v3"
)

// The recognized cron vocabulary. Expressions outside this set are not an
// error: they fall back to hourly with a logged warning, matching the
// platform's long-standing behavior.
var intervals = map[string]time.Duration{
	"* * * * *":    time.Minute,
	"*/5 * * * *":  5 * time.Minute,
	"*/15 * * * *": 15 * time.Minute,
	"*/30 * * * *": 30 * time.Minute,
	"0 * * * *":    time.Hour,
	"0 */6 * * *":  6 * time.Hour,
	"0 0 * * *":    24 * time.Hour,
}

// fallbackExpr is the expression unknown inputs resolve to.
const fallbackExpr = "0 * * * *"

// Resolve maps a cron expression to its recognized form. known is false when
// the input fell back to hourly.
func Resolve(expr string) (resolved string, interval time.Duration, known bool) {
	if d, ok := intervals[expr]; ok {
		return expr, d, true
	}
	return fallbackExpr, intervals[fallbackExpr], false
}

// NextRun computes the next tick after now for a vocabulary expression,
// using the standard five-field cron semantics.
func NextRun(expr string, now time.Time) time.Time {
	resolved, _, _ := Resolve(expr)
	sched, err := cron.ParseStandard(resolved)
	if err != nil {
		// The vocabulary is fixed and parseable; this path exists only to
		// keep NextRun total.
		return now.Add(time.Hour)
	}
	return sched.Next(now)
}
