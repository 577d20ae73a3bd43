package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "empty file keeps defaults",
			yaml: "# nothing here\n",
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Dispatch.Cleanup != "ok" {
					t.Errorf("cleanup = %q, want ok", cfg.Dispatch.Cleanup)
				}
				if !cfg.Dispatch.Separate {
					t.Error("separate_workdir should default to true")
				}
				if cfg.Dispatch.PollIntervalMax != 5*time.Second {
					t.Errorf("poll_interval_max = %s", cfg.Dispatch.PollIntervalMax)
				}
				if cfg.Dispatch.PollTimeout != 0 {
					t.Error("poll_timeout should default to none")
				}
				if cfg.SSH.ControlPersist != 10*time.Minute {
					t.Errorf("control_persist = %s", cfg.SSH.ControlPersist)
				}
			},
		},
		{
			name: "full dispatch section",
			yaml: `
log_level: debug
log_format: text
dispatch:
  wrapper: ./model.sh
  hosts: [node1, node2]
  n_cores: 8
  files_to_send: [mesh.dat]
  cleanup: all
  remote_tmpdir: /scratch
  separate_workdir: false
  extended_check: true
  launch_check_attempts: 3
  launch_check_delay: 500ms
  poll_interval_min: 50ms
  poll_interval_max: 2s
  poll_timeout: 1h
  point_timeout: 10m
  channel: session
ssh:
  user: alice
  port: 2222
journal:
  path: ./runs.db
status:
  listen: 127.0.0.1:9090
  tokens:
    - token: viewer-token
      scopes: [status:ro, events:ro]
`,
			checkFn: func(t *testing.T, cfg *Config) {
				d := cfg.Dispatch
				if len(d.Hosts) != 2 || d.Hosts[1] != "node2" {
					t.Errorf("hosts = %v", d.Hosts)
				}
				if d.Cores != 8 || d.Cleanup != "all" || d.Separate {
					t.Errorf("dispatch not parsed: %+v", d)
				}
				if d.LaunchCheckDelay != 500*time.Millisecond || d.PollTimeout != time.Hour {
					t.Errorf("durations not parsed: %+v", d)
				}
				if cfg.ChannelKind() != "session" {
					t.Errorf("channel = %q", d.Channel)
				}
				if cfg.SSH.User != "alice" || cfg.SSH.Port != 2222 {
					t.Errorf("ssh not parsed: %+v", cfg.SSH)
				}
				if cfg.SSH.Command != "ssh" {
					t.Error("ssh.command default lost when the section is present")
				}
				if cfg.Status.Listen != "127.0.0.1:9090" {
					t.Errorf("status.listen = %q", cfg.Status.Listen)
				}
				tokens := cfg.APITokens()
				if len(tokens) != 1 || tokens[0].Token != "viewer-token" || len(tokens[0].Scopes) != 2 {
					t.Errorf("status.tokens = %+v", tokens)
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
dispatch:
  wrapper: ${MODEL_DIR}/model.sh
ssh:
  identity_file: ${KEY_FILE}
`,
			env: map[string]string{"MODEL_DIR": "/opt/model", "KEY_FILE": "/keys/id_ed25519"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Dispatch.Wrapper != "/opt/model/model.sh" {
					t.Errorf("wrapper = %q", cfg.Dispatch.Wrapper)
				}
				if cfg.SSH.IdentityFile != "/keys/id_ed25519" {
					t.Errorf("identity_file = %q", cfg.SSH.IdentityFile)
				}
			},
		},
		{
			name:    "unset env var",
			yaml:    "ssh:\n  identity_file: ${BATCHWRAP_TEST_UNSET_KEY}\n",
			wantErr: "${BATCHWRAP_TEST_UNSET_KEY} is not set",
		},
		{
			name:    "bad cleanup policy",
			yaml:    "dispatch:\n  cleanup: sometimes\n",
			wantErr: "dispatch.cleanup",
		},
		{
			name:    "bad scheduler",
			yaml:    "dispatch:\n  scheduler: kubernetes\n",
			wantErr: "dispatch.scheduler",
		},
		{
			name:    "bad channel",
			yaml:    "dispatch:\n  channel: telnet\n",
			wantErr: "dispatch.channel",
		},
		{
			name:    "relative remote tmpdir",
			yaml:    "dispatch:\n  remote_tmpdir: scratch\n",
			wantErr: "remote_tmpdir must be an absolute path",
		},
		{
			name:    "inverted poll bounds",
			yaml:    "dispatch:\n  poll_interval_min: 2s\n  poll_interval_max: 1s\n",
			wantErr: "poll_interval_max",
		},
		{
			name:    "bad log level",
			yaml:    "log_level: verbose\n",
			wantErr: "log_level",
		},
		{
			name:    "negative cores",
			yaml:    "dispatch:\n  n_cores: -1\n",
			wantErr: "n_cores",
		},
		{
			name:    "unknown token scope",
			yaml:    "status:\n  tokens:\n    - token: abc\n      scopes: [jobs:rw]\n",
			wantErr: "unknown scope",
		},
		{
			name:    "empty token",
			yaml:    "status:\n  tokens:\n    - token: \"\"\n",
			wantErr: "token is empty",
		},
		{
			name:    "malformed yaml",
			yaml:    "dispatch: [unclosed\n",
			wantErr: "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeConfig(t, t.TempDir(), DefaultFileName, tt.yaml)

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Load() succeeded, want error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, DefaultFileName, "dispatch:\n  n_cores: 3\n")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load(dir) failed: %v", err)
	}
	if cfg.Dispatch.Cores != 3 {
		t.Errorf("n_cores = %d, want 3", cfg.Dispatch.Cores)
	}
	if cfg.ConfigPath != filepath.Join(dir, DefaultFileName) {
		t.Errorf("ConfigPath = %q", cfg.ConfigPath)
	}

	if _, err := Load(t.TempDir()); err == nil {
		t.Error("Load of a directory without a config file should fail")
	}
}

func TestLoadIncludes(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "site.yaml", `
ssh:
  user: cluster
dispatch:
  remote_tmpdir: /scratch
  hosts: [a, b]
`)
	root := writeConfig(t, dir, DefaultFileName, `
include:
  - site.yaml
dispatch:
  wrapper: ./model.sh
  hosts: [local-only]
`)

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.SSH.User != "cluster" {
		t.Errorf("ssh.user = %q, want value from include", cfg.SSH.User)
	}
	if cfg.Dispatch.Wrapper != "./model.sh" {
		t.Errorf("wrapper = %q, want value from root", cfg.Dispatch.Wrapper)
	}
	if len(cfg.Dispatch.Hosts) != 2 || cfg.Dispatch.Hosts[0] != "a" {
		t.Errorf("hosts = %v, want the include to override", cfg.Dispatch.Hosts)
	}
	if len(cfg.SourceFiles) != 2 {
		t.Errorf("len(SourceFiles) = %d, want 2", len(cfg.SourceFiles))
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", "include: [b.yaml]\n")
	writeConfig(t, dir, "b.yaml", "include: [a.yaml]\n")

	_, err := Load(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "circular") {
		t.Fatalf("Load() error = %v, want circular include", err)
	}
}

func TestLoadMissingInclude(t *testing.T) {
	root := writeConfig(t, t.TempDir(), DefaultFileName, "include: [nope.yaml]\n")
	_, err := Load(root)
	if err == nil || !strings.Contains(err.Error(), "file not found") {
		t.Fatalf("Load() error = %v, want missing include", err)
	}
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	root := writeConfig(t, t.TempDir(), DefaultFileName, `
dispatch:
  files_to_send: [~/mesh.dat, /abs/data]
journal:
  path: ~/batchwrap/runs.db
`)
	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got := cfg.Dispatch.FilesToSend[0]; got != filepath.Join(home, "mesh.dat") {
		t.Errorf("files_to_send[0] = %q", got)
	}
	if got := cfg.Dispatch.FilesToSend[1]; got != "/abs/data" {
		t.Errorf("files_to_send[1] = %q", got)
	}
	if got := cfg.Journal.Path; got != filepath.Join(home, "batchwrap", "runs.db") {
		t.Errorf("journal.path = %q", got)
	}
	if got := cfg.SSH.KnownHosts; got != filepath.Join(home, ".ssh", "known_hosts") {
		t.Errorf("ssh.known_hosts = %q", got)
	}
}

func TestDiscover(t *testing.T) {
	t.Setenv("BATCHWRAP_CONFIG", "/etc/custom.yaml")
	if got := Discover(); got != "/etc/custom.yaml" {
		t.Errorf("Discover() = %q, want the environment override", got)
	}
}

func TestDispatchOptions(t *testing.T) {
	root := writeConfig(t, t.TempDir(), DefaultFileName, `
dispatch:
  wrapper: /opt/model.sh
  cleanup: no
  n_cores: 2
  poll_timeout: 30s
`)
	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	opts, err := cfg.DispatchOptions([]string{"n1"})
	if err != nil {
		t.Fatalf("DispatchOptions() failed: %v", err)
	}
	if opts.Cleanup != "no" || opts.Cores != 2 || opts.PollTimeout != 30*time.Second {
		t.Errorf("options not mapped: %+v", opts)
	}
	if opts.Wrapper != "/opt/model.sh" || opts.Hosts[0] != "n1" {
		t.Errorf("options not mapped: %+v", opts)
	}
	if !opts.Separate {
		t.Error("separate_workdir default not carried over")
	}

	hostList, src, err := cfg.ResolveHosts()
	if err != nil {
		t.Fatalf("ResolveHosts() failed: %v", err)
	}
	if src != "default" || len(hostList) != 1 || hostList[0] != "localhost" {
		t.Errorf("ResolveHosts() = %v, %s", hostList, src)
	}
}
