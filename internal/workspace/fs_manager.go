package workspace

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
)

const (
	timestampLayout = "20060102T150405"
	randomIDLen     = 6

	// DefaultRemoveRetryDelay is the pause before the single removal retry.
	DefaultRemoveRetryDelay = 500 * time.Millisecond
)

var workdirNamePattern = regexp.MustCompile(`^.+_\d{8}T\d{6}_[0-9a-f]{6}$`)

// WorkdirName returns "{basename(basis)}_{timestamp}_{id}".
func WorkdirName(basis string, now time.Time, id string) string {
	base := strings.TrimSuffix(filepath.Base(basis), filepath.Ext(basis))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "batchwrap"
	}
	return fmt.Sprintf("%s_%s_%s", base, now.Format(timestampLayout), id)
}

// RandomID returns a short random hex identifier.
func RandomID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:randomIDLen]
}

// Manager creates and removes workdirs under a local base directory.
type Manager struct {
	baseDir          string
	now              func() time.Time
	randomID         func() string
	removeRetryDelay time.Duration
}

// NewManager creates a filesystem-backed workdir manager rooted at baseDir.
func NewManager(baseDir string) (*Manager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workdir base directory is empty")
	}

	return &Manager{
		baseDir:          filepath.Clean(trimmed),
		now:              time.Now,
		randomID:         RandomID,
		removeRetryDelay: DefaultRemoveRetryDelay,
	}, nil
}

// BaseDir returns the directory workdirs are created in.
func (m *Manager) BaseDir() string { return m.baseDir }

// NewName returns a fresh workdir name for basis without touching disk.
func (m *Manager) NewName(basis string) string {
	return WorkdirName(basis, m.now(), m.randomID())
}

// Create makes a new workdir for basis.
func (m *Manager) Create(ctx context.Context, basis string) (Workdir, error) {
	if err := ctx.Err(); err != nil {
		return Workdir{}, err
	}

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return Workdir{}, fmt.Errorf("create workdir base directory: %w", err)
	}

	name := m.NewName(basis)
	path := filepath.Join(m.baseDir, name)
	if err := os.Mkdir(path, 0o755); err != nil {
		return Workdir{}, fmt.Errorf("create workdir %q: %w", name, err)
	}

	return Workdir{Name: name, Dir: path}, nil
}

// PointDir creates the isolated subdirectory for global id under dir.
func PointDir(dir string, id int) (string, error) {
	path := filepath.Join(dir, fmt.Sprintf("%d", id))
	if err := os.Mkdir(path, 0o755); err != nil {
		return "", fmt.Errorf("create point directory %d: %w", id, err)
	}
	return path, nil
}

// Stage places each file into dstDir under its base name: hard links where
// possible, copies otherwise. Directories are staged recursively.
func Stage(ctx context.Context, files []string, dstDir string) error {
	for _, src := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		dst := filepath.Join(dstDir, filepath.Base(src))
		info, err := os.Stat(src)
		if err != nil {
			return fmt.Errorf("stage %q: %w", src, err)
		}
		if info.IsDir() {
			if err := cloneTree(ctx, src, dst); err != nil {
				return fmt.Errorf("stage directory %q: %w", src, err)
			}
			continue
		}
		if err := linkOrCopy(src, dst, info.Mode().Perm()); err != nil {
			return fmt.Errorf("stage %q: %w", src, err)
		}
	}
	return nil
}

// Remove deletes dir, retrying exactly once after delay. A missing directory
// is not an error, so removing twice is safe.
func Remove(ctx context.Context, dir string, delay time.Duration) error {
	return retry.Do(
		func() error {
			return os.RemoveAll(dir)
		},
		retry.Attempts(2),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

// Remove deletes a workdir and its diagnostic file.
func (m *Manager) Remove(ctx context.Context, wd Workdir) error {
	if err := Remove(ctx, wd.Dir, m.removeRetryDelay); err != nil {
		return fmt.Errorf("remove workdir %q: %w", wd.Name, err)
	}
	if err := os.Remove(wd.ErrFile()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove diagnostic file: %w", err)
	}
	return nil
}

// Prune removes workdirs (recognized by their generated names) whose
// modification time is older than olderThan.
func (m *Manager) Prune(ctx context.Context, olderThan time.Duration) (PruneReport, error) {
	if err := ctx.Err(); err != nil {
		return PruneReport{}, err
	}
	if olderThan <= 0 {
		return PruneReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return PruneReport{}, nil
	}
	if err != nil {
		return PruneReport{}, fmt.Errorf("read workdir base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := PruneReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() || !workdirNamePattern.MatchString(entry.Name()) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read workdir entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		wd := Workdir{Name: entry.Name(), Dir: filepath.Join(m.baseDir, entry.Name())}
		if err := m.Remove(ctx, wd); err != nil {
			return report, err
		}
		report.DeletedDirs++
	}

	return report, nil
}

func linkOrCopy(src, dst string, perm fs.FileMode) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return copyFile(src, dst, perm)
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func cloneTree(ctx context.Context, srcDir, dstDir string) error {
	srcInfo, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("stat source directory: %w", err)
	}
	if err := os.Mkdir(dstDir, srcInfo.Mode().Perm()); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == srcDir {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		dstPath := filepath.Join(dstDir, relPath)

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read entry info for %q: %w", path, err)
		}

		switch {
		case d.IsDir():
			if err := os.Mkdir(dstPath, info.Mode().Perm()); err != nil {
				return fmt.Errorf("create directory %q: %w", dstPath, err)
			}
		case info.Mode().IsRegular():
			if err := linkOrCopy(path, dstPath, info.Mode().Perm()); err != nil {
				return fmt.Errorf("stage %q to %q: %w", path, dstPath, err)
			}
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read symlink %q: %w", path, err)
			}
			if err := os.Symlink(target, dstPath); err != nil {
				return fmt.Errorf("create symlink %q: %w", dstPath, err)
			}
		default:
			return fmt.Errorf("unsupported file type for %q (%s)", path, info.Mode().Type())
		}

		return nil
	})
}
