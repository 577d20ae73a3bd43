package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// networkFilesystems are shared between hosts: a workdir there is visible to
// every worker, and SQLite locking on them is unreliable.
var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"afs":    {},
	"beegfs": {},
	"ceph":   {},
	"cifs":   {},
	"gpfs":   {},
	"lustre": {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// OnNetworkFilesystem reports whether path (or its nearest existing parent)
// lives on a network filesystem, and the detected filesystem type.
func OnNetworkFilesystem(path string) (bool, string, error) {
	return onNetworkFilesystemWithDetector(path, detectFilesystemType)
}

func onNetworkFilesystemWithDetector(path string, detector func(string) (string, error)) (bool, string, error) {
	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return false, "", fmt.Errorf("resolve path %q: %w", path, err)
	}
	fsType, err := detector(inspectPath)
	if err != nil {
		return false, "", fmt.Errorf("detect filesystem for %q: %w", inspectPath, err)
	}
	return isNetworkFilesystem(fsType), fsType, nil
}

// validateSQLiteFilesystem ensures the DB path is on a local filesystem.
func validateSQLiteFilesystem(path string) error {
	return validateSQLiteFilesystemWithDetector(path, detectFilesystemType)
}

func validateSQLiteFilesystemWithDetector(path string, detector func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("sqlite path is empty")
	}

	network, fsType, err := onNetworkFilesystemWithDetector(path, detector)
	if err != nil {
		return fmt.Errorf("check database filesystem: %w", err)
	}

	if network {
		return fmt.Errorf(
			"journal %q is on shared filesystem %q; SQLite needs a local filesystem for locking, point journal.path at a local disk",
			path,
			fsType,
		)
	}

	return nil
}

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	normalized := strings.TrimSpace(strings.ToLower(fsType))
	_, found := networkFilesystems[normalized]
	return found
}
