// Package doctor checks a loaded batchwrap configuration against the machine
// it will run on: wrapper and input files, host resolution, scratch space,
// the journal location and status API exposure.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/batchwrap/internal/config"
	"github.com/mattjoyce/batchwrap/internal/executor"
	"github.com/mattjoyce/batchwrap/internal/hosts"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool     `json:"valid"`
	Hosts    []string `json:"hosts,omitempty"`
	Errors   []Issue  `json:"errors,omitempty"`
	Warnings []Issue  `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a configuration that already passed config.Validate.
type Doctor struct {
	cfg *config.Config
	// networkFS reports whether a path is on a network filesystem.
	networkFS func(path string) (bool, string, error)
}

// New creates a Doctor. networkFS is usually storage.OnNetworkFilesystem; nil
// skips the filesystem checks.
func New(cfg *config.Config, networkFS func(string) (bool, string, error)) *Doctor {
	return &Doctor{cfg: cfg, networkFS: networkFS}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateWrapper(r)
	d.validateFiles(r)
	remote := d.validateHosts(r)
	d.validateScratch(r)
	d.validateRemote(r, remote)
	d.validateJournal(r)
	d.warnOpenStatusAPI(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateWrapper checks the wrapper is an executable file.
func (d *Doctor) validateWrapper(r *Result) {
	w := d.cfg.Dispatch.Wrapper
	if w == "" {
		d.addWarning(r, "wrapper", "dispatch.wrapper", "no wrapper configured; run needs -wrapper")
		return
	}
	if _, err := executor.NewCommandWrapper(w, nil, 0); err != nil {
		d.addError(r, "wrapper", "dispatch.wrapper", err.Error())
	}
}

// validateFiles checks every file sent to workdirs exists.
func (d *Doctor) validateFiles(r *Result) {
	for i, f := range d.cfg.Dispatch.FilesToSend {
		if _, err := os.Stat(f); err != nil {
			d.addError(r, "files", fmt.Sprintf("dispatch.files_to_send[%d]", i),
				fmt.Sprintf("%s: %v", f, unwrapPathError(err)))
		}
	}
}

// validateHosts resolves the host list and reports whether any host is
// remote.
func (d *Doctor) validateHosts(r *Result) bool {
	if len(d.cfg.Dispatch.Hosts) > 0 {
		if n := len(hosts.Dedupe(d.cfg.Dispatch.Hosts)); n < len(d.cfg.Dispatch.Hosts) {
			d.addWarning(r, "hosts", "dispatch.hosts",
				fmt.Sprintf("%d duplicate host(s) will be ignored", len(d.cfg.Dispatch.Hosts)-n))
		}
	}
	list, source, err := d.cfg.ResolveHosts()
	if err != nil {
		d.addError(r, "hosts", "dispatch.scheduler", err.Error())
		return false
	}
	r.Hosts = list
	if d.cfg.Dispatch.Scheduler != "" && source == hosts.SourceDefault {
		d.addWarning(r, "hosts", "dispatch.scheduler",
			fmt.Sprintf("no %s node file in the environment; falling back to localhost", d.cfg.Dispatch.Scheduler))
	}
	for _, h := range list {
		if !hosts.IsLocal(h) {
			return true
		}
	}
	return false
}

// validateScratch checks the local workdir base.
func (d *Doctor) validateScratch(r *Result) {
	dir := d.cfg.Dispatch.TmpDir
	info, err := os.Stat(dir)
	switch {
	case err != nil:
		d.addError(r, "scratch", "dispatch.tmpdir", fmt.Sprintf("%s: %v", dir, unwrapPathError(err)))
	case !info.IsDir():
		d.addError(r, "scratch", "dispatch.tmpdir", fmt.Sprintf("%s is not a directory", dir))
	}
}

// validateRemote checks settings that only matter when a host is reached
// over SSH.
func (d *Doctor) validateRemote(r *Result, remote bool) {
	if !remote {
		return
	}
	disp, ssh := d.cfg.Dispatch, d.cfg.SSH
	if disp.Wrapper != "" && !filepath.IsAbs(disp.Wrapper) && !strings.ContainsRune(disp.Wrapper, filepath.Separator) {
		d.addWarning(r, "remote", "dispatch.wrapper",
			"wrapper is looked up on PATH; remote hosts receive the resolved file")
	}
	if disp.RemoteBinary != "" {
		if _, err := os.Stat(disp.RemoteBinary); err != nil {
			d.addError(r, "remote", "dispatch.remote_binary", fmt.Sprintf("%s: %v", disp.RemoteBinary, unwrapPathError(err)))
		}
	}
	if disp.PollTimeout == 0 {
		d.addWarning(r, "remote", "dispatch.poll_timeout", "no poll timeout; a host that dies mid-run blocks the run")
	}
	if !disp.ExtendedCheck {
		d.addWarning(r, "remote", "dispatch.extended_check", "launch failures are only detected by the poll timeout")
	}
	if ssh.IdentityFile != "" {
		if _, err := os.Stat(ssh.IdentityFile); err != nil {
			d.addError(r, "remote", "ssh.identity_file", fmt.Sprintf("%s: %v", ssh.IdentityFile, unwrapPathError(err)))
		}
	}
	if ssh.InsecureIgnoreHostKey {
		d.addWarning(r, "remote", "ssh.insecure_ignore_host_key", "host keys are not verified")
	}
	if d.networkFS == nil {
		return
	}
	if network, fsType, err := d.networkFS(disp.TmpDir); err == nil && network && !disp.Separate {
		d.addWarning(r, "remote", "dispatch.tmpdir",
			fmt.Sprintf("tmpdir is on %s and shared by all hosts; consider separate_workdir", fsType))
	}
}

// validateJournal checks the journal database can live where configured.
func (d *Doctor) validateJournal(r *Result) {
	p := d.cfg.Journal.Path
	if p == "" || d.networkFS == nil {
		return
	}
	network, fsType, err := d.networkFS(p)
	if err != nil {
		d.addWarning(r, "journal", "journal.path", err.Error())
		return
	}
	if network {
		d.addError(r, "journal", "journal.path",
			fmt.Sprintf("%s is on network filesystem %q; SQLite needs a local filesystem", p, fsType))
	}
}

// warnOpenStatusAPI flags a status API that listens without tokens.
func (d *Doctor) warnOpenStatusAPI(r *Result) {
	s := d.cfg.Status
	if s.Listen == "" || len(s.Tokens) > 0 {
		return
	}
	host := s.Listen
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	switch host {
	case "127.0.0.1", "localhost", "[::1]":
		return
	}
	d.addWarning(r, "status", "status.tokens", "status API listens beyond loopback without authentication")
}

func unwrapPathError(err error) error {
	if pe, ok := err.(*os.PathError); ok {
		return pe.Err
	}
	return err
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
