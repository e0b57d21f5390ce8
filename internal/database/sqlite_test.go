package database

import (
	"path/filepath"
	"testing"
	"time"

	"capsule-go/internal/capsule"
	"capsule-go/internal/syncerr"
)

func newTestHistory(t *testing.T) *SQLiteHistory {
	t.Helper()
	h, err := NewSQLiteHistory(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteHistory() error = %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

var t0 = time.Date(2025, 3, 10, 2, 0, 0, 0, time.UTC)

func result(id string, start time.Time, outcome capsule.Outcome, failures ...capsule.Failure) *capsule.RunResult {
	return &capsule.RunResult{
		RunID:              id,
		StartedAt:          start,
		FinishedAt:         start.Add(42 * time.Second),
		Examined:           5,
		Refreshed:          2,
		Skipped:            2,
		Touched:            1,
		AttachmentsFetched: 3,
		Failures:           failures,
		Outcome:            outcome,
		Generation:         7,
	}
}

func TestSQLiteHistory_RecordAndLastRun(t *testing.T) {
	h := newTestHistory(t)

	t.Run("returns nil when job never ran", func(t *testing.T) {
		got, err := h.LastRun("backup")
		if err != nil {
			t.Fatalf("LastRun() error = %v", err)
		}
		if got != nil {
			t.Errorf("LastRun() = %+v, want nil", got)
		}
	})

	failures := []capsule.Failure{
		{NodeID: "p1", Kind: syncerr.Transient, Message: "get page p1: 503"},
		{Kind: syncerr.PermissionDenied, Message: "list databases: 403"},
	}
	if err := h.RecordRun("backup", result("r1", t0, capsule.OutcomeSuccess)); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}
	if err := h.RecordRun("backup", result("r2", t0.Add(time.Hour), capsule.OutcomePartial, failures...)); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}
	if err := h.RecordRun("daily", result("d1", t0.Add(2*time.Hour), capsule.OutcomeSuccess)); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}

	t.Run("returns latest run of the job", func(t *testing.T) {
		got, err := h.LastRun("backup")
		if err != nil {
			t.Fatalf("LastRun() error = %v", err)
		}
		if got == nil || got.ID != "r2" {
			t.Fatalf("LastRun() = %+v, want r2", got)
		}
		if got.Outcome != capsule.OutcomePartial || got.Generation != 7 || got.AttachmentsFetched != 3 {
			t.Errorf("LastRun() = %+v", got)
		}
		if !got.StartedAt.Equal(t0.Add(time.Hour)) || got.FinishedAt.Sub(got.StartedAt) != 42*time.Second {
			t.Errorf("times = %v .. %v", got.StartedAt, got.FinishedAt)
		}
		if len(got.Failures) != 2 {
			t.Fatalf("len(Failures) = %d, want 2", len(got.Failures))
		}
		if got.Failures[0] != failures[0] || got.Failures[1] != failures[1] {
			t.Errorf("Failures = %+v, want %+v", got.Failures, failures)
		}
	})

	t.Run("duplicate id is rejected", func(t *testing.T) {
		if err := h.RecordRun("backup", result("r1", t0, capsule.OutcomeSuccess)); err == nil {
			t.Error("RecordRun() with duplicate id expected error")
		}
	})
}

func TestSQLiteHistory_ListRuns(t *testing.T) {
	h := newTestHistory(t)
	for i, id := range []string{"a", "b", "c"} {
		if err := h.RecordRun("backup", result(id, t0.Add(time.Duration(i)*time.Hour), capsule.OutcomeSuccess)); err != nil {
			t.Fatalf("RecordRun() error = %v", err)
		}
	}

	tests := []struct {
		limit int
		want  []string
	}{
		{2, []string{"c", "b"}},
		{0, []string{"c", "b", "a"}},
		{10, []string{"c", "b", "a"}},
	}
	for _, tt := range tests {
		runs, err := h.ListRuns(tt.limit)
		if err != nil {
			t.Fatalf("ListRuns(%d) error = %v", tt.limit, err)
		}
		var got []string
		for _, r := range runs {
			got = append(got, r.ID)
		}
		if len(got) != len(tt.want) {
			t.Errorf("ListRuns(%d) = %v, want %v", tt.limit, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("ListRuns(%d) = %v, want %v", tt.limit, got, tt.want)
				break
			}
		}
	}
}

func TestSQLiteHistory_Prune(t *testing.T) {
	h := newTestHistory(t)
	if err := h.RecordRun("backup", result("old", t0, capsule.OutcomePartial, capsule.Failure{NodeID: "p", Kind: syncerr.Unknown, Message: "x"})); err != nil {
		t.Fatal(err)
	}
	if err := h.RecordRun("backup", result("new", t0.Add(48*time.Hour), capsule.OutcomeSuccess)); err != nil {
		t.Fatal(err)
	}

	n, err := h.Prune(t0.Add(24 * time.Hour))
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Prune() removed %d, want 1", n)
	}
	runs, _ := h.ListRuns(0)
	if len(runs) != 1 || runs[0].ID != "new" {
		t.Errorf("remaining runs = %+v", runs)
	}
}

func TestSQLiteHistory_BackupTo(t *testing.T) {
	h := newTestHistory(t)
	if err := h.RecordRun("backup", result("r1", t0, capsule.OutcomeSuccess)); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "copy.db")
	if err := h.BackupTo(dest); err != nil {
		t.Fatalf("BackupTo() error = %v", err)
	}

	copied, err := NewSQLiteHistory(dest)
	if err != nil {
		t.Fatalf("opening backup: %v", err)
	}
	defer copied.Close()
	if err := copied.CheckMigrations(); err != nil {
		t.Errorf("CheckMigrations() on backup error = %v", err)
	}
	last, err := copied.LastRun("backup")
	if err != nil || last == nil || last.ID != "r1" {
		t.Errorf("LastRun() on backup = %+v, %v", last, err)
	}
}
