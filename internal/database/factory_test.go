package database

import (
	"os"
	"path/filepath"
	"testing"

	"capsule-go/internal/config"
)

func TestNewHistoryFromConfig(t *testing.T) {
	t.Run("memory database", func(t *testing.T) {
		got, err := NewHistoryFromConfig(config.DatabaseConfig{Type: "memory"}, "laptop")
		if err != nil {
			t.Fatalf("NewHistoryFromConfig() error = %v", err)
		}
		got.Close()
	})

	t.Run("sqlite database", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "db")
		got, err := NewHistoryFromConfig(config.DatabaseConfig{Type: "sqlite", DataDir: dir}, "laptop")
		if err != nil {
			t.Fatalf("NewHistoryFromConfig() error = %v", err)
		}
		defer got.Close()

		if _, err := os.Stat(filepath.Join(dir, "laptop.db")); err != nil {
			t.Errorf("database file not created: %v", err)
		}
	})

	errorCases := []struct {
		name string
		cfg  config.DatabaseConfig
	}{
		{"sqlite without data_dir", config.DatabaseConfig{Type: "sqlite"}},
		{"unknown database type", config.DatabaseConfig{Type: "unknown"}},
	}
	for _, tt := range errorCases {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewHistoryFromConfig(tt.cfg, "laptop")
			if err == nil {
				t.Error("NewHistoryFromConfig() expected error, got nil")
			}
			if got != nil {
				t.Error("NewHistoryFromConfig() should return nil on error")
				got.Close()
			}
		})
	}
}
