package resilience

import (
	"time"
)

// RequeueEntry is a record parked because its current tier's provider was
// rate limited. The waterfall resumes at TierID without any charge having
// been made for the parked attempt.
type RequeueEntry struct {
	ID             string    `json:"id"`
	RecordID       string    `json:"record_id"`
	TierID         string    `json:"tier_id"`
	Provider       string    `json:"provider"`
	Reason         string    `json:"reason"`
	Count          int       `json:"count"`
	MaxRequeues    int       `json:"max_requeues"`
	NextAttemptAt  time.Time `json:"next_attempt_at"`
	CreatedAt      time.Time `json:"created_at"`
	LastRequeuedAt time.Time `json:"last_requeued_at"`
}

// RequeueFilter specifies criteria for reading due requeue entries.
type RequeueFilter struct {
	DueBefore time.Time `json:"due_before"`
	Limit     int       `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its requeue budget.
func (e *RequeueEntry) CanRetry() bool {
	return e.MaxRequeues <= 0 || e.Count < e.MaxRequeues
}

// NextRequeueAt schedules the next attempt for a record that has already
// been requeued count times.
func NextRequeueAt(now time.Time, count int, cfg RetryConfig) time.Time {
	if count < 0 {
		count = 0
	}
	return now.Add(Backoff(count, cfg))
}
