package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// File permission constants for everything written under the state directory
const (
	FilePermissionSecure = 0600
	DirPermissionSecure  = 0700
)

// CleanPath rejects traversal sequences and makes path absolute.
func CleanPath(path string) (string, error) {
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("invalid path: contains directory traversal")
	}
	cleaned := filepath.Clean(path)

	if !filepath.IsAbs(cleaned) {
		abs, err := filepath.Abs(cleaned)
		if err != nil {
			return "", fmt.Errorf("failed to resolve absolute path: %w", err)
		}
		cleaned = abs
	}

	return cleaned, nil
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
