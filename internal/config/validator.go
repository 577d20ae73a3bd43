package config

import (
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/mattjoyce/batchwrap/internal/auth"
	"github.com/mattjoyce/batchwrap/internal/channel"
	"github.com/mattjoyce/batchwrap/internal/hosts"
	"github.com/mattjoyce/batchwrap/internal/workspace"
)

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, strings.ToLower(c.LogLevel)) {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error (got %q)", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("log_format must be json or text (got %q)", c.LogFormat)
	}

	if err := c.Dispatch.validate(); err != nil {
		return fmt.Errorf("dispatch.%w", err)
	}
	if err := c.SSH.validate(); err != nil {
		return fmt.Errorf("ssh.%w", err)
	}

	if err := unresolved("journal.path", c.Journal.Path); err != nil {
		return err
	}
	if err := c.Status.validate(); err != nil {
		return fmt.Errorf("status.%w", err)
	}
	return nil
}

func (s *StatusConfig) validate() error {
	for i, t := range s.Tokens {
		if strings.TrimSpace(t.Token) == "" {
			return fmt.Errorf("tokens[%d]: token is empty", i)
		}
		if err := unresolved(fmt.Sprintf("tokens[%d]", i), t.Token); err != nil {
			return err
		}
		for _, scope := range t.Scopes {
			if !slices.Contains(auth.KnownScopes(), scope) {
				return fmt.Errorf("tokens[%d]: unknown scope %q", i, scope)
			}
		}
	}
	return nil
}

func (d *DispatchConfig) validate() error {
	if _, err := workspace.ParseCleanupPolicy(d.Cleanup); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	if d.Cores < 0 {
		return fmt.Errorf("n_cores must not be negative (got %d)", d.Cores)
	}
	if d.Scheduler != "" && !slices.Contains(hosts.Schedulers(), d.Scheduler) {
		return fmt.Errorf("scheduler must be one of %v (got %q)", hosts.Schedulers(), d.Scheduler)
	}
	switch channel.Kind(d.Channel) {
	case channel.KindShell, channel.KindSession, channel.KindLocal:
	default:
		return fmt.Errorf("channel must be shell, session or local (got %q)", d.Channel)
	}
	if d.TmpDir == "" {
		return fmt.Errorf("tmpdir is required")
	}
	if !path.IsAbs(d.RemoteTmpDir) {
		return fmt.Errorf("remote_tmpdir must be an absolute path (got %q)", d.RemoteTmpDir)
	}
	if d.PollIntervalMin <= 0 {
		return fmt.Errorf("poll_interval_min must be positive")
	}
	if d.PollIntervalMax < d.PollIntervalMin {
		return fmt.Errorf("poll_interval_max (%s) must not be below poll_interval_min (%s)", d.PollIntervalMax, d.PollIntervalMin)
	}
	if d.PollTimeout < 0 || d.PointTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if d.ExtendedCheck && (d.LaunchCheckAttempts <= 0 || d.LaunchCheckDelay <= 0) {
		return fmt.Errorf("extended_check needs positive launch_check_attempts and launch_check_delay")
	}

	if err := unresolved("wrapper", d.Wrapper); err != nil {
		return err
	}
	if err := unresolved("remote_binary", d.RemoteBinary); err != nil {
		return err
	}
	for i, h := range d.Hosts {
		if strings.TrimSpace(h) == "" {
			return fmt.Errorf("hosts[%d] is empty", i)
		}
		if err := unresolved(fmt.Sprintf("hosts[%d]", i), h); err != nil {
			return err
		}
	}
	for i, f := range d.FilesToSend {
		if err := unresolved(fmt.Sprintf("files_to_send[%d]", i), f); err != nil {
			return err
		}
	}
	return nil
}

func (s *SSHConfig) validate() error {
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("port out of range (got %d)", s.Port)
	}
	if s.ConnectTimeout < 0 || s.ControlPersist < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if err := unresolved("user", s.User); err != nil {
		return err
	}
	return unresolved("identity_file", s.IdentityFile)
}

// unresolved rejects a value that still carries a ${VAR} placeholder.
func unresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); m != nil {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}
