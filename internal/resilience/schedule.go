package resilience

import "time"

// RetrySchedule decides when a failed unit of work may run again. Unlike
// Do, it does not sleep: callers persist the returned time and come back.
type RetrySchedule struct {
	MaxRetries int
	Backoff    RetryConfig
}

// Next returns when retry number attempt (1-based) may start, and false
// once MaxRetries is exhausted.
func (s RetrySchedule) Next(attempt int, now time.Time) (time.Time, bool) {
	if attempt < 1 || attempt > s.MaxRetries {
		return time.Time{}, false
	}
	return now.Add(Backoff(attempt-1, s.Backoff)), true
}
