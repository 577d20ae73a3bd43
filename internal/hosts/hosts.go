// Package hosts decides which machines a run uses: an explicit list, the
// node file of a batch scheduler allocation, or the local machine alone.
package hosts

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// Localhost is the host name used when nothing else is configured.
const Localhost = "localhost"

// nodeFileEnv maps scheduler names to the variable that holds their node file.
var nodeFileEnv = map[string]string{
	"pbs":    "PBS_NODEFILE",
	"torque": "PBS_NODEFILE",
	"sge":    "PE_HOSTFILE",
	"oar":    "OAR_NODEFILE",
	"lsf":    "LSB_DJOB_HOSTFILE",
	"slurm":  "SLURM_HOSTFILE",
}

// Schedulers returns the supported scheduler names, sorted.
func Schedulers() []string {
	names := make([]string, 0, len(nodeFileEnv))
	for k := range nodeFileEnv {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Source records where a host list came from.
type Source string

const (
	SourceExplicit  Source = "explicit"
	SourceScheduler Source = "scheduler"
	SourceDefault   Source = "default"
)

// Resolve returns the deduplicated host list, in first-seen order. An
// explicit list wins; otherwise the scheduler's node file is read when its
// variable is set; otherwise the result is [localhost].
func Resolve(explicit []string, scheduler string, getenv func(string) string) ([]string, Source, error) {
	if list := Dedupe(explicit); len(list) > 0 {
		return list, SourceExplicit, nil
	}
	if scheduler == "" {
		return []string{Localhost}, SourceDefault, nil
	}
	env, ok := nodeFileEnv[strings.ToLower(scheduler)]
	if !ok {
		return nil, "", fmt.Errorf("unknown scheduler %q (supported: %s)", scheduler, strings.Join(Schedulers(), ", "))
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	path := getenv(env)
	if path == "" {
		return []string{Localhost}, SourceDefault, nil
	}
	list, err := ReadNodeFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read %s node file: %w", scheduler, err)
	}
	if len(list) == 0 {
		return nil, "", fmt.Errorf("%s node file %s lists no hosts", scheduler, path)
	}
	return list, SourceScheduler, nil
}

// ReadNodeFile parses a scheduler node file.
func ReadNodeFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseNodeFile(f)
}

// ParseNodeFile takes the first field of every non-blank, non-comment line.
// That covers one-host-per-slot files (PBS, OAR) as well as "host slots ..."
// files (SGE, LSF). The result is deduplicated.
func ParseNodeFile(r io.Reader) ([]string, error) {
	var names []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, strings.Fields(line)[0])
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return Dedupe(names), nil
}

// Dedupe trims names and drops empty and repeated ones, keeping first-seen order.
func Dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// IsLocal reports whether host names the dispatching machine.
func IsLocal(host string) bool {
	switch host {
	case Localhost, "127.0.0.1", "::1":
		return true
	}
	name, err := os.Hostname()
	if err != nil {
		return false
	}
	if host == name {
		return true
	}
	short, _, _ := strings.Cut(name, ".")
	return host == short
}
