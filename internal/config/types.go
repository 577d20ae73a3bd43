package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete batchwrap configuration.
type Config struct {
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"`
	Include   []string       `yaml:"include,omitempty"`
	Dispatch  DispatchConfig `yaml:"dispatch"`
	SSH       SSHConfig      `yaml:"ssh"`
	Journal   JournalConfig  `yaml:"journal"`
	Status    StatusConfig   `yaml:"status"`

	// SourceFiles holds the parsed document of every loaded file, keyed by
	// absolute path. The root file is ConfigPath.
	SourceFiles map[string]*yaml.Node `yaml:"-"`
	ConfigPath  string                `yaml:"-"`
}

// DispatchConfig defines how a sample is spread over hosts and cores.
type DispatchConfig struct {
	Wrapper      string   `yaml:"wrapper"`
	WrapperArgs  []string `yaml:"wrapper_args,omitempty"`
	Hosts        []string `yaml:"hosts"`
	Scheduler    string   `yaml:"scheduler"` // pbs | torque | sge | oar | lsf | slurm
	Cores        int      `yaml:"n_cores"`
	FilesToSend  []string `yaml:"files_to_send"`
	Cleanup      string   `yaml:"cleanup"` // no | ok | all
	TmpDir       string   `yaml:"tmpdir"`
	RemoteTmpDir string   `yaml:"remote_tmpdir"`
	WorkdirBasis string   `yaml:"workdir_basis"`
	Separate     bool     `yaml:"separate_workdir"`

	ExtendedCheck       bool          `yaml:"extended_check"`
	LaunchCheckAttempts int           `yaml:"launch_check_attempts"`
	LaunchCheckDelay    time.Duration `yaml:"launch_check_delay"`

	PollIntervalMin time.Duration `yaml:"poll_interval_min"`
	PollIntervalMax time.Duration `yaml:"poll_interval_max"`
	PollTimeout     time.Duration `yaml:"poll_timeout"`
	PointTimeout    time.Duration `yaml:"point_timeout"`

	Channel      string `yaml:"channel"` // shell | session | local
	RemoteBinary string `yaml:"remote_binary"`
}

// SSHConfig defines how remote hosts are reached.
type SSHConfig struct {
	Command               string        `yaml:"command"`
	User                  string        `yaml:"user"`
	Port                  int           `yaml:"port"`
	IdentityFile          string        `yaml:"identity_file"`
	ConfigFile            string        `yaml:"config_file"`
	KnownHosts            string        `yaml:"known_hosts"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
	ControlPersist        time.Duration `yaml:"control_persist"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
}

// JournalConfig defines the run journal. An empty path disables it.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// StatusConfig defines the status API. An empty listen address disables it.
type StatusConfig struct {
	Listen string        `yaml:"listen"`
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig is a bearer token for the status API. No scopes means all.
type TokenConfig struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes,omitempty"`
}

// Defaults returns a Config with the documented defaults.
func Defaults() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Dispatch: DispatchConfig{
			Cleanup:             "ok",
			TmpDir:              "/tmp",
			RemoteTmpDir:        "/tmp",
			Separate:            true,
			LaunchCheckAttempts: 5,
			LaunchCheckDelay:    time.Second,
			PollIntervalMin:     100 * time.Millisecond,
			PollIntervalMax:     5 * time.Second,
			Channel:             "shell",
		},
		SSH: SSHConfig{
			Command:        "ssh",
			ConfigFile:     "~/.ssh/config",
			KnownHosts:     "~/.ssh/known_hosts",
			ControlPersist: 10 * time.Minute,
			ConnectTimeout: 10 * time.Second,
		},
	}
}
