package resilience

import (
	"time"

	"github.com/sells-group/svi-fetch/internal/model"
)

// DLQEntry represents a failed pipeline unit (a query point or a
// panorama ID, depending on which stage failed) that can be retried
// later without reprocessing the whole batch.
type DLQEntry struct {
	ID           string           `json:"id"`
	Unit         model.FailedUnit `json:"unit"`
	Error        string           `json:"error"`
	ErrorType    string           `json:"error_type"` // "transient" or "permanent"
	FailedStage  string           `json:"failed_stage,omitempty"`
	RetryCount   int              `json:"retry_count"`
	MaxRetries   int              `json:"max_retries"`
	NextRetryAt  time.Time        `json:"next_retry_at"`
	CreatedAt    time.Time        `json:"created_at"`
	LastFailedAt time.Time        `json:"last_failed_at"`
}

// NewDLQEntry builds a DLQEntry from a failed pipeline unit. retryCount
// is how many retries the unit has already used (a stage's retry sweep
// counts as one; the first attempt does not); maxRetries is the ceiling
// a future resumer should honor before giving up on it for good.
func NewDLQEntry(unit model.FailedUnit, retryCount, maxRetries int) DLQEntry {
	now := unit.Timestamp
	return DLQEntry{
		ID:           unit.ID,
		Unit:         unit,
		Error:        unit.Reason,
		ErrorType:    ClassifyError(unit.Err),
		FailedStage:  unit.Stage,
		RetryCount:   retryCount,
		MaxRetries:   maxRetries,
		CreatedAt:    now,
		LastFailedAt: now,
	}
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
