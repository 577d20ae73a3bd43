package doctor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/batchwrap/internal/config"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	wrapper := filepath.Join(dir, "model.sh")
	if err := os.WriteFile(wrapper, []byte("#!/bin/sh\ncat >/dev/null\necho '{\"status\":\"ok\",\"output\":[0]}'\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	input := filepath.Join(dir, "mesh.dat")
	if err := os.WriteFile(input, []byte("mesh"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Defaults()
	cfg.Dispatch.Wrapper = wrapper
	cfg.Dispatch.FilesToSend = []string{input}
	cfg.Dispatch.Hosts = []string{"localhost"}
	cfg.Dispatch.TmpDir = dir
	return cfg
}

func localFS(string) (bool, string, error)   { return false, "ext4", nil }
func networkFS(string) (bool, string, error) { return true, "nfs", nil }

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := New(validConfig(t), localFS).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
	if len(r.Hosts) != 1 || r.Hosts[0] != "localhost" {
		t.Fatalf("expected resolved hosts [localhost], got %v", r.Hosts)
	}
}

func TestValidate_MissingWrapper(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Dispatch.Wrapper = ""
	r := New(cfg, localFS).Validate()
	if !r.Valid {
		t.Fatalf("a missing wrapper is only a warning, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "wrapper", "-wrapper")
}

func TestValidate_WrapperNotExecutable(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	if err := os.Chmod(cfg.Dispatch.Wrapper, 0o644); err != nil {
		t.Fatal(err)
	}
	r := New(cfg, localFS).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "wrapper", "not executable")
}

func TestValidate_MissingInputFile(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Dispatch.FilesToSend = append(cfg.Dispatch.FilesToSend, filepath.Join(t.TempDir(), "absent.dat"))
	r := New(cfg, localFS).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "files", "absent.dat")
}

func TestValidate_DuplicateHosts(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Dispatch.Hosts = []string{"localhost", "localhost"}
	r := New(cfg, localFS).Validate()
	assertHasWarning(t, r, "hosts", "1 duplicate")
}

func TestValidate_SchedulerWithoutNodeFile(t *testing.T) {
	cfg := validConfig(t)
	cfg.Dispatch.Hosts = nil
	cfg.Dispatch.Scheduler = "slurm"
	t.Setenv("SLURM_HOSTFILE", "")
	r := New(cfg, localFS).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "hosts", "falling back to localhost")
}

func TestValidate_MissingTmpDir(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Dispatch.TmpDir = filepath.Join(cfg.Dispatch.TmpDir, "nope")
	r := New(cfg, localFS).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "scratch", "no such file")
}

func TestValidate_RemoteHostChecks(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Dispatch.Hosts = []string{"node01.invalid"}
	cfg.Dispatch.Separate = false
	cfg.Dispatch.RemoteBinary = filepath.Join(t.TempDir(), "batchwrap")
	cfg.SSH.InsecureIgnoreHostKey = true

	r := New(cfg, networkFS).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "remote", "batchwrap")
	assertHasWarning(t, r, "remote", "poll timeout")
	assertHasWarning(t, r, "remote", "launch failures")
	assertHasWarning(t, r, "remote", "host keys")
	assertHasWarning(t, r, "remote", "separate_workdir")

	cfg.Dispatch.RemoteBinary = ""
	cfg.Dispatch.PollTimeout = time.Hour
	cfg.Dispatch.ExtendedCheck = true
	cfg.Dispatch.Separate = true
	cfg.SSH.InsecureIgnoreHostKey = false
	r = New(cfg, networkFS).Validate()
	if !r.Valid || len(r.Warnings) != 0 {
		t.Fatalf("expected clean result, got errors=%v warnings=%v", r.Errors, r.Warnings)
	}
}

func TestValidate_JournalOnNetworkFilesystem(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Journal.Path = "/shared/batchwrap/journal.db"
	r := New(cfg, networkFS).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "journal", "nfs")

	failing := func(string) (bool, string, error) { return false, "", errors.New("statfs denied") }
	r = New(cfg, failing).Validate()
	if !r.Valid {
		t.Fatalf("detection failure is only a warning, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "journal", "statfs denied")
}

func TestValidate_OpenStatusAPI(t *testing.T) {
	t.Parallel()
	tests := []struct {
		listen string
		warn   bool
	}{
		{listen: "127.0.0.1:8787", warn: false},
		{listen: "localhost:8787", warn: false},
		{listen: ":8787", warn: true},
		{listen: "0.0.0.0:8787", warn: true},
	}
	for _, tt := range tests {
		cfg := validConfig(t)
		cfg.Status.Listen = tt.listen
		r := New(cfg, localFS).Validate()
		if got := len(r.Warnings) > 0; got != tt.warn {
			t.Fatalf("listen %q: warning=%v, want %v (%v)", tt.listen, got, tt.warn, r.Warnings)
		}
	}

	cfg := validConfig(t)
	cfg.Status.Listen = ":8787"
	cfg.Status.Tokens = []config.TokenConfig{{Token: "secret"}}
	if r := New(cfg, localFS).Validate(); len(r.Warnings) != 0 {
		t.Fatalf("tokens configured, expected no warning, got %v", r.Warnings)
	}
}

func TestValidate_NilDetectorSkipsFilesystemChecks(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Journal.Path = "/shared/batchwrap/journal.db"
	if r := New(cfg, nil).Validate(); !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "test", Message: "bad thing"}},
	}
	out, err := FormatJSON(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "bad thing") {
		t.Fatalf("expected JSON to contain error message, got: %s", out)
	}
}

func TestFormatHuman_Valid(t *testing.T) {
	t.Parallel()
	r := &Result{Valid: true}
	out := FormatHuman(r)
	if !strings.Contains(out, "valid") {
		t.Fatalf("expected 'valid' in output, got: %s", out)
	}
}

func TestFormatHuman_Errors(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:    false,
		Errors:   []Issue{{Category: "test", Field: "x.y", Message: "broken"}},
		Warnings: []Issue{{Category: "test", Message: "shaky"}},
	}
	out := FormatHuman(r)
	if !strings.Contains(out, "ERROR") || !strings.Contains(out, "broken") {
		t.Fatalf("expected error in output, got: %s", out)
	}
	if !strings.Contains(out, "WARN  [test] shaky") {
		t.Fatalf("expected warning in output, got: %s", out)
	}
}

// --- helpers ---

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
