package capsule

import (
	"fmt"
	"time"
)

// Status describes the state of one output directory.
type Status struct {
	Root       string
	Generation int64
	SavedAt    time.Time
	Counts     map[NodeKind]int
	LastRun    *RunRecord
}

// GetStatus loads the fingerprint store under fsys and, when history is
// set, the last recorded run of job.
func GetStatus(fsys Filesystem, history History, job string) (*Status, error) {
	store, err := LoadStore(fsys)
	if err != nil {
		return nil, fmt.Errorf("loading fingerprint store: %w", err)
	}

	st := &Status{
		Root:       fsys.Root(),
		Generation: store.Generation(),
		SavedAt:    store.SavedAt(),
		Counts:     store.CountByKind(),
	}
	if history != nil {
		last, err := history.LastRun(job)
		if err != nil {
			return nil, fmt.Errorf("reading run history: %w", err)
		}
		st.LastRun = last
	}
	return st, nil
}

// RecordFor converts a finished result into a history record.
func RecordFor(job string, r *RunResult) *RunRecord {
	return &RunRecord{
		ID:                 r.RunID,
		Job:                job,
		StartedAt:          r.StartedAt,
		FinishedAt:         r.FinishedAt,
		Outcome:            r.Outcome,
		Examined:           r.Examined,
		Refreshed:          r.Refreshed,
		Skipped:            r.Skipped,
		Touched:            r.Touched,
		AttachmentsFetched: r.AttachmentsFetched,
		Failures:           append([]Failure(nil), r.Failures...),
		Generation:         r.Generation,
	}
}
