// Package throttle suppresses repeated values so that each passes at most once per interval.
package throttle

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// Result is a value that passed the throttle together with the number of
// occurrences suppressed since it last passed.
type Result[T any] struct {
	Value T
	Count int
}

type entry struct {
	count       int
	intervalEnd time.Time
	armed       bool
}

// MultipleValues throttles any number of distinct values independently.
type MultipleValues[T comparable] struct {
	mu       sync.Mutex
	entries  map[T]entry
	interval time.Duration
	now      func() time.Time
}

// Option configures a MultipleValues throttle.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewMultipleValues[T comparable](interval time.Duration, opts ...Option) *MultipleValues[T] {
	o := buildOptions(opts)
	return &MultipleValues[T]{
		entries:  make(map[T]entry),
		interval: interval,
		now:      o.now,
	}
}

// Add records an occurrence of value. It returns false while the value is
// being suppressed. The first occurrence after the interval passes with the
// number of occurrences suppressed during that interval.
func (m *MultipleValues[T]) Add(value T) (Result[T], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, seen := m.entries[value]
	if !seen {
		m.entries[value] = entry{}
		return Result[T]{Value: value}, true
	}
	e.count++

	now := m.now()
	if e.armed && now.After(e.intervalEnd) {
		m.entries[value] = entry{count: 0, intervalEnd: now.Add(m.interval), armed: true}
		return Result[T]{Value: value, Count: e.count - 1}, true
	}

	if e.count == 1 {
		e.intervalEnd = now.Add(m.interval)
		e.armed = true
	}
	m.entries[value] = e
	return Result[T]{}, false
}

// StringThrottle is implemented by every string throttle in this package.
type StringThrottle interface {
	Add(value string) (string, bool)
}

// SummaryFunc renders a throttled value that passes again after suppression.
type SummaryFunc func(value string, suppressed int) string

// DefaultSummary appends the suppression count in the form "msg (throttled: N)".
func DefaultSummary(value string, suppressed int) string {
	if suppressed <= 0 {
		return value
	}
	return value + " (throttled: " + strconv.Itoa(suppressed) + ")"
}

// FilteredValue throttles one exact value and lets everything else pass.
type FilteredValue struct {
	throttle  *MultipleValues[string]
	throttled string
	summary   SummaryFunc
}

func NewFilteredValue(value string, interval time.Duration, summary SummaryFunc, opts ...Option) *FilteredValue {
	if summary == nil {
		summary = DefaultSummary
	}
	return &FilteredValue{
		throttle:  NewMultipleValues[string](interval, opts...),
		throttled: value,
		summary:   summary,
	}
}

func (f *FilteredValue) Add(value string) (string, bool) {
	if value != f.throttled {
		return value, true
	}
	res, ok := f.throttle.Add(value)
	if !ok {
		return "", false
	}
	return f.summary(value, res.Count), true
}

// StringContainingSubstring throttles every string that contains a substring.
// All matching strings share one throttle slot.
type StringContainingSubstring struct {
	FilteredValue
}

func NewStringContainingSubstring(substring string, interval time.Duration, summary SummaryFunc, opts ...Option) *StringContainingSubstring {
	return &StringContainingSubstring{FilteredValue: *NewFilteredValue(substring, interval, summary, opts...)}
}

func (s *StringContainingSubstring) Add(value string) (string, bool) {
	if !strings.Contains(value, s.throttled) {
		return value, true
	}
	res, ok := s.throttle.Add(s.throttled)
	if !ok {
		return "", false
	}
	return s.summary(value, res.Count), true
}

// Passthrough never throttles.
type Passthrough struct{}

func (Passthrough) Add(value string) (string, bool) { return value, true }
