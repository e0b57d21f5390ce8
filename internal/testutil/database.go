package testutil

import (
	"testing"

	"capsule-go/internal/database"
)

// NewTestHistory returns an in-memory run history with the schema applied.
// It is closed when the test completes.
func NewTestHistory(t *testing.T) *database.SQLiteHistory {
	t.Helper()
	h, err := database.NewSQLiteHistory(":memory:")
	if err != nil {
		t.Fatalf("opening run history: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}
