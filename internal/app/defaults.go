package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths are the locations capsule uses before a config file says otherwise.
// The mirror, history database and keys all live under BaseDir unless the
// config moves them.
type Paths struct {
	// ConfigFile is CAPSULE_CONFIG_PATH, else capsule.toml in the XDG
	// config directory.
	ConfigFile string
	// BaseDir is CAPSULE_HOME, else capsule in the XDG data directory.
	BaseDir   string
	LogDir    string
	OutputDir string
}

// DefaultPaths resolves Paths from the environment. getenv is os.Getenv
// outside of tests.
func DefaultPaths(getenv func(string) string) (Paths, error) {
	configFile := getenv("CAPSULE_CONFIG_PATH")
	if configFile == "" {
		dir, err := xdgDir(getenv, "XDG_CONFIG_HOME", ".config")
		if err != nil {
			return Paths{}, err
		}
		configFile = filepath.Join(dir, "capsule.toml")
	}

	baseDir := getenv("CAPSULE_HOME")
	if baseDir == "" {
		dir, err := xdgDir(getenv, "XDG_DATA_HOME", filepath.Join(".local", "share"))
		if err != nil {
			return Paths{}, err
		}
		baseDir = filepath.Join(dir, "capsule")
	}

	return Paths{
		ConfigFile: configFile,
		BaseDir:    baseDir,
		LogDir:     filepath.Join(baseDir, "log"),
		OutputDir:  filepath.Join(baseDir, "mirror"),
	}, nil
}

// xdgDir returns the directory named by env when it is an absolute path,
// else fallback under the home directory.
func xdgDir(getenv func(string) string, env, fallback string) (string, error) {
	if dir := getenv(env); filepath.IsAbs(dir) {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, fallback), nil
}
