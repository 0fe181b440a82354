package webhook

import "time"

// retryDelays are the waits between a failed attempt and the next one.
// Attempt 1 is immediate; attempt 2 comes 30s after attempt 1 failed, and
// so on.
var retryDelays = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	time.Hour,
}

// MaxAttempts is the total number of delivery attempts before a row is
// marked failed for good.
const MaxAttempts = 5

// NextRetry returns the delay before the next attempt, given how many
// attempts have already failed. ok is false once the schedule is exhausted.
func NextRetry(failedAttempts int) (delay time.Duration, ok bool) {
	if failedAttempts < 1 || failedAttempts >= MaxAttempts {
		return 0, false
	}
	return retryDelays[failedAttempts-1], true
}
