// Package config locates the daemon's configuration file.
//
// The search order is an explicit path, then ./config.yaml, then the XDG
// config directory, then /etc/au-crawler. An empty result means no file was
// found and the daemon runs on defaults and AUCRAWLER_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// AppName names the per-user and system configuration directories.
const AppName = "au-crawler"

// FileName is the config file looked for in each search directory.
const FileName = "config.yaml"

// XDGConfigDir returns the per-user configuration directory.
// On Linux: ~/.config/au-crawler
func XDGConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// SearchDirs lists the directories Resolve probes, in order.
func SearchDirs() []string {
	return []string{".", XDGConfigDir(), filepath.Join("/etc", AppName)}
}

// Resolve returns the config file to load. An explicit path must exist.
func Resolve(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicit, err)
		}
		return explicit, nil
	}
	return find(SearchDirs())
}

func find(dirs []string) (string, error) {
	for _, dir := range dirs {
		candidate := filepath.Join(dir, FileName)
		info, err := os.Stat(candidate)
		switch {
		case err == nil && !info.IsDir():
			return candidate, nil
		case err == nil, errors.Is(err, fs.ErrNotExist):
			continue
		default:
			return "", fmt.Errorf("stat %s: %w", candidate, err)
		}
	}
	return "", nil
}
