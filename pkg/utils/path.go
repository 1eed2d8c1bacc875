package utils

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// CleanLogicalPath normalizes a cache-logical file path: slash separated,
// rooted at "/", with no "." or ".." elements left after cleaning.
//
// Example usage:
//
//	lp, err := CleanLogicalPath("store//run1/../run2/file.root")
//	// lp == "/store/run2/file.root"
func CleanLogicalPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	for _, elem := range strings.Split(filepath.ToSlash(p), "/") {
		if elem == ".." {
			return "", fmt.Errorf("path contains directory traversal: %s", p)
		}
	}
	clean := path.Clean("/" + filepath.ToSlash(p))
	if clean == "/" {
		return "", fmt.Errorf("path names no file: %s", p)
	}
	return clean, nil
}

// SecureJoin joins path elements and ensures the result stays within the base directory.
// Unlike filepath.Join, this function rejects results that escape base through
// directory traversal.
//
// Example usage:
//
//	safePath, err := SecureJoin("/var/cache/pfc", "/store/file.root")
//	if err != nil {
//		return fmt.Errorf("invalid path combination: %w", err)
//	}
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) &&
		fullPath != cleanBase {
		return "", fmt.Errorf("path escapes base directory")
	}

	return fullPath, nil
}
