//go:build !darwin && !linux

package storage

import (
	"fmt"
	"runtime"
)

// detectFilesystemType cannot tell local from shared storage here; callers
// treat the error as "unknown" and carry on.
func detectFilesystemType(path string) (string, error) {
	return "", fmt.Errorf("cannot detect the filesystem of %q on %s", path, runtime.GOOS)
}
