package domain

import "time"

// RateDecision is the verdict of a fixed-window counter.
type RateDecision struct {
	Allowed    bool
	Count      int
	Limit      int
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds the retry hint up to whole seconds, never below one.
func (d RateDecision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 1
	}
	seconds := int(d.RetryAfter / time.Second)
	if d.RetryAfter%time.Second != 0 {
		seconds++
	}
	return seconds
}
