package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	herrors "github.com/p-blackswan/harvester/internal/errors"
)

// ResolveDestination joins a download destination onto the output root and
// rejects destinations that are absolute or escape the root.
func ResolveDestination(root, destination string) (string, error) {
	if destination == "" {
		return "", herrors.NewValidationError("download", "destination", "must not be empty")
	}
	if filepath.IsAbs(destination) || strings.HasPrefix(destination, "/") {
		return "", herrors.NewValidationError("download", "destination", fmt.Sprintf("absolute path %q", destination))
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve output dir: %w", err)
	}
	full := filepath.Join(absRoot, filepath.FromSlash(destination))
	rel, err := filepath.Rel(absRoot, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", herrors.NewValidationError("download", "destination", fmt.Sprintf("%q escapes the output dir", destination))
	}
	return full, nil
}

// WriteFileAtomic writes data to a temporary file beside path and renames it
// into place, creating parent directories as needed.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return herrors.Transient("create dir", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.part")
	if err != nil {
		return herrors.Transient("create temp file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return herrors.Transient("write file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return herrors.Transient("close file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return herrors.Transient("rename file", err)
	}
	return nil
}
