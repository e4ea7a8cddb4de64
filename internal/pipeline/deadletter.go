package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/sells-group/svi-fetch/internal/model"
	"github.com/sells-group/svi-fetch/internal/resilience"
)

// appendDeadLetters appends one resilience.DLQEntry per line (JSON Lines)
// to path for every unit still failing after a stage's retry sweep.
// retryCount/maxRetries describe how many attempts the sweep already
// spent, so a later out-of-process resumer reading the file back knows
// whether resilience.DLQEntry.CanRetry would still say yes.
func appendDeadLetters(path string, units []model.FailedUnit, retryCount, maxRetries int) error {
	if path == "" || len(units) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "pipeline: create dead-letter dir")
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return eris.Wrapf(err, "pipeline: open dead-letter file %s", path)
	}
	defer f.Close() //nolint:errcheck

	enc := json.NewEncoder(f)
	for _, u := range units {
		entry := resilience.NewDLQEntry(u, retryCount, maxRetries)
		if !entry.CanRetry() {
			entry.NextRetryAt = entry.LastFailedAt // exhausted: no further attempt scheduled
		}
		if err := enc.Encode(entry); err != nil {
			return eris.Wrap(err, "pipeline: write dead-letter entry")
		}
	}
	return nil
}
