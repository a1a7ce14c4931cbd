// Package pathutil provides path validation utilities.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const writeTestName = ".rarlink-write-test"

// CheckDirectoryWritable checks if a directory exists and is writable.
// If the directory doesn't exist, it attempts to create it.
func CheckDirectoryWritable(fsys afero.Fs, path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	info, err := fsys.Stat(absPath)
	switch {
	case os.IsNotExist(err):
		if err := fsys.MkdirAll(absPath, 0755); err != nil {
			return fmt.Errorf("directory %s does not exist and cannot be created: %w", absPath, err)
		}
	case err != nil:
		return fmt.Errorf("cannot access directory %s: %w", absPath, err)
	case !info.IsDir():
		return fmt.Errorf("path %s exists but is not a directory", absPath)
	}

	testFile := filepath.Join(absPath, writeTestName)
	if err := afero.WriteFile(fsys, testFile, []byte("test"), 0644); err != nil {
		return fmt.Errorf("directory %s is not writable: %w", absPath, err)
	}
	_ = fsys.Remove(testFile)

	return nil
}

// CheckFileDirectoryWritable checks if the directory containing a file path is writable.
func CheckFileDirectoryWritable(fsys afero.Fs, filePath string, fileType string) error {
	if filePath == "" {
		return nil // Empty path is valid for some config options (like log file)
	}

	dir := filepath.Dir(filePath)
	if dir == "" || dir == "." {
		dir = "./"
	}

	if err := CheckDirectoryWritable(fsys, dir); err != nil {
		return fmt.Errorf("%s file directory check failed: %w", fileType, err)
	}

	return nil
}

// IsWithin reports whether p is base or lies below it.
func IsWithin(base, p string) bool {
	if base == "" {
		return false
	}
	cleanBase := strings.TrimSuffix(filepath.ToSlash(filepath.Clean(base)), "/")
	cleanP := filepath.ToSlash(filepath.Clean(p))
	return cleanP == cleanBase || strings.HasPrefix(cleanP, cleanBase+"/")
}

// LongestPrefix returns the index of the base in bases that contains p with
// the most path elements, or -1.
func LongestPrefix(bases []string, p string) int {
	best, bestLen := -1, -1
	for i, b := range bases {
		if !IsWithin(b, p) {
			continue
		}
		if n := len(filepath.Clean(b)); n > bestLen {
			best, bestLen = i, n
		}
	}
	return best
}
