// Package quota estimates YouTube Data API quota consumption against a daily
// budget. The estimate is local only; the API remains authoritative and can
// mark the budget exhausted early.
package quota

import (
	"fmt"
	"sync"
	"time"

	// Embedded zoneinfo so QUOTA_TIMEZONE resolves in minimal containers.
	_ "time/tzdata"
)

// Operation names as used by the YouTube Data API.
const (
	OpList   = "playlistItems.list"
	OpInsert = "playlistItems.insert"
	OpDelete = "playlistItems.delete"
)

// DefaultTimezone is where the YouTube quota day rolls over.
const DefaultTimezone = "America/Los_Angeles"

var costs = map[string]int{
	OpList:   1,
	OpInsert: 50,
	OpDelete: 50,
}

// Cost returns the unit cost of op. Unknown operations cost nothing.
func Cost(op string) int {
	return costs[op]
}

// Estimator tracks units used since the last reset. It is safe for
// concurrent use.
type Estimator struct {
	mu        sync.Mutex
	limit     int
	loc       *time.Location
	now       func() time.Time
	onChange  func(used, remaining int)
	used      int
	exhausted bool
	resetAt   time.Time
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Estimator) { e.now = now }
}

// WithOnChange registers a callback invoked after every change to the
// running total, including resets. It is called with the lock held and must
// not call back into the Estimator.
func WithOnChange(fn func(used, remaining int)) Option {
	return func(e *Estimator) { e.onChange = fn }
}

// New returns an Estimator for a daily budget of limit units that resets at
// midnight in loc. A nil loc means DefaultTimezone.
func New(limit int, loc *time.Location, opts ...Option) *Estimator {
	if loc == nil {
		loc, _ = time.LoadLocation(DefaultTimezone)
	}
	e := &Estimator{
		limit: limit,
		loc:   loc,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.resetAt = NextReset(e.now(), e.loc)
	e.notify()
	return e
}

// LoadLocation resolves a timezone name, defaulting to DefaultTimezone.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("quota: load timezone %q: %w", name, err)
	}
	return loc, nil
}

// NextReset returns the first midnight in loc strictly after now.
func NextReset(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

// Allow reports whether op fits in the remaining budget. A list call is
// allowed while anything remains; a mutating call only if its full cost
// fits, so the total never passes the limit by more than one call.
func (e *Estimator) Allow(op string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maybeReset()

	if e.exhausted {
		return false
	}
	return e.used+Cost(op) <= e.limit
}

// Charge records that op was sent to the API.
func (e *Estimator) Charge(op string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maybeReset()

	e.used += Cost(op)
	e.notify()
}

// MarkExhausted blocks every operation until the next reset. Called when
// the API reports quotaExceeded regardless of the local estimate.
func (e *Estimator) MarkExhausted() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maybeReset()

	e.exhausted = true
	e.notify()
}

// Exhausted reports whether MarkExhausted was called since the last reset.
func (e *Estimator) Exhausted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maybeReset()
	return e.exhausted
}

// Used returns units charged since the last reset.
func (e *Estimator) Used() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maybeReset()
	return e.used
}

// Remaining returns the units left today, never negative.
func (e *Estimator) Remaining() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maybeReset()
	return e.remaining()
}

// Limit returns the configured daily budget.
func (e *Estimator) Limit() int { return e.limit }

// ResetAt returns when the running total next goes back to zero.
func (e *Estimator) ResetAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maybeReset()
	return e.resetAt
}

func (e *Estimator) remaining() int {
	if e.exhausted || e.used >= e.limit {
		return 0
	}
	return e.limit - e.used
}

// maybeReset must be called with mu held.
func (e *Estimator) maybeReset() {
	now := e.now()
	if now.Before(e.resetAt) {
		return
	}
	e.used = 0
	e.exhausted = false
	e.resetAt = NextReset(now, e.loc)
	e.notify()
}

func (e *Estimator) notify() {
	if e.onChange != nil {
		e.onChange(e.used, e.remaining())
	}
}
