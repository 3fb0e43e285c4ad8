package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	// ErrFilesystem marks permission or missing-path failures. They are logged and skipped.
	ErrFilesystem = errors.New("filesystem error")
	// ErrParseFailed marks a segment file whose name does not follow the naming convention.
	ErrParseFailed = errors.New("segment name not parseable")
	// ErrRetentionExhausted is reported when usage is above the ceiling but nothing is eligible for eviction.
	ErrRetentionExhausted = errors.New("retention exhausted: no eligible recordings")
)

// EnsurePath creates the directory structure if it doesn't exist
func EnsurePath(basePath string, subDirs ...string) (string, error) {
	fullPath := filepath.Join(append([]string{basePath}, subDirs...)...)
	if err := os.MkdirAll(fullPath, 0755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrFilesystem, err)
	}
	return fullPath, nil
}

// RemoveFile deletes path. A file that is already gone counts as removed.
func RemoveFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrFilesystem, err)
	}
	return nil
}
