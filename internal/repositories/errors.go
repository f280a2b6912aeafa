package repositories

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
var ErrNotFound = errors.New("record not found")

// ErrConflict is the sentinel for a unique-constraint violation. The GORM
// repositories in this package do not return it: a violating insert or
// update surfaces as the wrapped driver error.
var ErrConflict = errors.New("record already exists")

// ErrNoJob is returned by ClaimNext when no claimable job exists in the
// queue. It is a normal idle-poll outcome, not a failure.
var ErrNoJob = errors.New("no claimable job")

// ErrStale is returned when a guarded update matched no rows because the
// record moved to another state concurrently. Callers treat it as a lost
// race, never as data corruption.
var ErrStale = errors.New("record changed concurrently")
