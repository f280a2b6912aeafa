package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolve_KnownVocabulary(t *testing.T) {
	cases := map[string]time.Duration{
		"* * * * *":    time.Minute,
		"*/5 * * * *":  5 * time.Minute,
		"*/15 * * * *": 15 * time.Minute,
		"*/30 * * * *": 30 * time.Minute,
		"0 * * * *":    time.Hour,
		"0 */6 * * *":  6 * time.Hour,
		"0 0 * * *":    24 * time.Hour,
	}
	for expr, want := range cases {
		resolved, interval, known := Resolve(expr)
		assert.True(t, known, expr)
		assert.Equal(t, expr, resolved)
		assert.Equal(t, want, interval)
	}
}

func TestResolve_UnknownFallsBackToHourly(t *testing.T) {
	for _, expr := range []string{"", "not cron", "1 2 3 4 5", "@weekly"} {
		resolved, interval, known := Resolve(expr)
		assert.False(t, known, expr)
		assert.Equal(t, "0 * * * *", resolved)
		assert.Equal(t, time.Hour, interval)
	}
}

func TestNextRun(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 30, 15, 0, time.UTC)

	next := NextRun("* * * * *", now)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 31, 0, 0, time.UTC), next)

	next = NextRun("0 0 * * *", now)
	assert.Equal(t, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), next)

	// Unknown expressions behave as hourly.
	next = NextRun("whenever", now)
	assert.Equal(t, time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC), next)
}
