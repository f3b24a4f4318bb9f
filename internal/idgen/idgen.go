// Package idgen generates the stable IDs used for runs, jobs, events and
// context packs. Grounded on the teacher's use of google/uuid for job and
// media IDs (internal/cron/store.go, internal/media/store.go).
package idgen

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns a bare random identifier.
func New() string {
	return uuid.New().String()
}

// Prefixed returns a sortable, human-scannable identifier of the form
// "<prefix>_<unixmilli>_<short-uuid>", e.g. "run_1732999999000_a1b2c3d4".
func Prefixed(prefix string, now time.Time) string {
	id := uuid.New().String()
	return fmt.Sprintf("%s_%d_%s", prefix, now.UnixMilli(), id[:8])
}
