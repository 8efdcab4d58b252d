package config

import (
	"os"
	"path/filepath"
	"strings"
)

// defaultStatePath is relative to the working directory so every process a
// harness starts from the same project shares one document.
const defaultStatePath = ".session-state/current.json"

// localConfigFile is looked up in the working directory.
const localConfigFile = "session-state.yaml"

// defaultConfigPath returns the user configuration file path.
//
// Returns: ~/.config/session-state/config.yaml.
func defaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(homeDir, ".config", "session-state", "config.yaml")
}

// expandHome expands ~ in file paths to the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	if path == "~" {
		return homeDir
	}

	return filepath.Join(homeDir, path[2:])
}
