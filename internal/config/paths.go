package config

import (
	"os"
	"path/filepath"
)

// DefaultStateDir resolves where PID records, lock files, and service
// logs live. LMCTL_HOME overrides; otherwise ~/.lmctl.
func DefaultStateDir() string {
	if v := os.Getenv("LMCTL_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lmctl"
	}
	return filepath.Join(home, ".lmctl")
}

// DefaultFile resolves the persistent settings file. LMCTL_CONFIG
// overrides; otherwise <user config dir>/lmctl/config.toml.
func DefaultFile() string {
	if v := os.Getenv("LMCTL_CONFIG"); v != "" {
		return v
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "lmctl", "config.toml")
}
