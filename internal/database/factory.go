package database

import (
	"fmt"
	"os"
	"path/filepath"

	"capsule-go/internal/config"
)

// NewHistoryFromConfig opens the run history selected by cfg.Type. The
// sqlite file is named after the instance so several mirrors can share
// one data directory.
func NewHistoryFromConfig(cfg config.DatabaseConfig, instanceID string) (*SQLiteHistory, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		name := instanceID
		if name == "" {
			name = "capsule"
		}
		return NewSQLiteHistory(filepath.Join(cfg.DataDir, name+".db"))
	case "memory":
		return NewSQLiteHistory(":memory:")
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
