package config

import (
	"os"

	"github.com/mattjoyce/batchwrap/internal/auth"
	"github.com/mattjoyce/batchwrap/internal/channel"
	"github.com/mattjoyce/batchwrap/internal/dispatch"
	"github.com/mattjoyce/batchwrap/internal/hosts"
	"github.com/mattjoyce/batchwrap/internal/workspace"
)

// ChannelKind returns the configured channel implementation.
func (c *Config) ChannelKind() channel.Kind {
	return channel.Kind(c.Dispatch.Channel)
}

// ChannelOptions maps the ssh section onto channel options.
func (c *Config) ChannelOptions() channel.Options {
	return channel.Options{
		User:                  c.SSH.User,
		Port:                  c.SSH.Port,
		IdentityFile:          c.SSH.IdentityFile,
		ConfigFile:            c.SSH.ConfigFile,
		KnownHosts:            c.SSH.KnownHosts,
		InsecureIgnoreHostKey: c.SSH.InsecureIgnoreHostKey,
		ControlPersist:        c.SSH.ControlPersist,
		ConnectTimeout:        c.SSH.ConnectTimeout,
		SSHCommand:            c.SSH.Command,
	}
}

// Dialer returns a dispatch dialer for the configured channel kind.
func (c *Config) Dialer() dispatch.Dialer {
	kind, opts := c.ChannelKind(), c.ChannelOptions()
	return func(host string) (channel.Channel, error) {
		return channel.New(kind, host, opts)
	}
}

// ResolveHosts returns the host list: dispatch.hosts, else the scheduler
// node file, else localhost.
func (c *Config) ResolveHosts() ([]string, hosts.Source, error) {
	return hosts.Resolve(c.Dispatch.Hosts, c.Dispatch.Scheduler, os.Getenv)
}

// DispatchOptions maps the dispatch section onto host dispatcher options
// for the given host list.
func (c *Config) DispatchOptions(hostList []string) (dispatch.Options, error) {
	policy, err := workspace.ParseCleanupPolicy(c.Dispatch.Cleanup)
	if err != nil {
		return dispatch.Options{}, err
	}
	d := c.Dispatch
	return dispatch.Options{
		Hosts:               hostList,
		Cores:               d.Cores,
		Files:               append([]string(nil), d.FilesToSend...),
		Cleanup:             policy,
		TmpDir:              d.TmpDir,
		RemoteTmpDir:        d.RemoteTmpDir,
		Separate:            d.Separate,
		Wrapper:             d.Wrapper,
		WrapperArgs:         append([]string(nil), d.WrapperArgs...),
		WorkdirBasis:        d.WorkdirBasis,
		PointTimeout:        d.PointTimeout,
		ExtendedCheck:       d.ExtendedCheck,
		LaunchCheckAttempts: d.LaunchCheckAttempts,
		LaunchCheckDelay:    d.LaunchCheckDelay,
		PollIntervalMin:     d.PollIntervalMin,
		PollIntervalMax:     d.PollIntervalMax,
		PollTimeout:         d.PollTimeout,
		RemoteBinary:        d.RemoteBinary,
	}, nil
}

// APITokens maps status.tokens onto auth tokens.
func (c *Config) APITokens() []auth.TokenConfig {
	out := make([]auth.TokenConfig, 0, len(c.Status.Tokens))
	for _, t := range c.Status.Tokens {
		out = append(out, auth.TokenConfig{Token: t.Token, Scopes: append([]string(nil), t.Scopes...)})
	}
	return out
}
