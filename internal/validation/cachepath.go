package validation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CachePathValidator checks the snapshot file location before the store
// opens it.
type CachePathValidator struct {
	// MaxPathLength is the maximum allowed path length
	MaxPathLength int
	// CreateParent creates the parent directory when it is missing
	CreateParent bool
}

// NewCachePathValidator creates a validator that creates missing parents
func NewCachePathValidator() *CachePathValidator {
	return &CachePathValidator{
		MaxPathLength: 4096,
		CreateParent:  true,
	}
}

// ValidateAndPrepare returns the cleaned absolute path of the snapshot file.
// The path may not exist yet but must not name a directory.
func (v *CachePathValidator) ValidateAndPrepare(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if len(path) > v.MaxPathLength {
		return "", fmt.Errorf("path too long (max %d characters)", v.MaxPathLength)
	}
	if err := validateCharacters(path); err != nil {
		return "", err
	}

	if len(path) >= 2 && path[:2] == "~/" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	if info, statErr := os.Stat(absPath); statErr == nil && info.IsDir() {
		return "", fmt.Errorf("path is a directory: %s", absPath)
	}

	dir := filepath.Dir(absPath)
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err) && v.CreateParent:
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("failed to create directory: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("cannot access directory %s: %w", dir, err)
	case !info.IsDir():
		return "", fmt.Errorf("parent is not a directory: %s", dir)
	}

	return absPath, nil
}

// validateCharacters checks for dangerous characters in the path
func validateCharacters(path string) error {
	if strings.Contains(path, "\x00") {
		return fmt.Errorf("path contains null bytes")
	}
	for _, char := range path {
		if char < 32 && char != '\t' {
			return fmt.Errorf("path contains control characters")
		}
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("path contains directory traversal")
		}
	}
	return nil
}
