package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// DefaultFileName is the config file looked up inside a directory.
const DefaultFileName = "batchwrap.yaml"

// Load reads and parses configuration from a file.
// Files listed under include are loaded after the file that names them, in
// order, and override the keys they set. Files in a directory holding a
// .checksums manifest must match their locked hashes.
func Load(configPath string) (*Config, error) {
	return load(configPath, true)
}

// LoadUnverified is Load without the checksum check, for re-locking files
// that were edited on purpose.
func LoadUnverified(configPath string) (*Config, error) {
	return load(configPath, false)
}

func load(configPath string, verify bool) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with -config", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, DefaultFileName)
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but %s not found: %s", DefaultFileName, absPath)
		}
	}

	cfg := Defaults()
	cfg.ConfigPath = absPath
	cfg.SourceFiles = make(map[string]*yaml.Node)

	visited := map[string]bool{absPath: true}
	if err := loadFile(cfg, absPath, visited); err != nil {
		return nil, err
	}

	if verify {
		paths := make([]string, 0, len(visited))
		for p := range visited {
			paths = append(paths, p)
		}
		if err := verifyAllConfigHashes(paths); err != nil {
			return nil, err
		}
	}

	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadDefaults returns the defaults resolved the way Load resolves a file,
// for runs without a config file.
func LoadDefaults() (*Config, error) {
	cfg := Defaults()
	cfg.expandPaths()
	return cfg, cfg.Validate()
}

// Discover finds the config file by checking standard locations:
// $BATCHWRAP_CONFIG, ./batchwrap.yaml, ~/.config/batchwrap/batchwrap.yaml,
// /etc/batchwrap/batchwrap.yaml. An empty result means none exists.
func Discover() string {
	if p := os.Getenv("BATCHWRAP_CONFIG"); p != "" {
		return p
	}
	candidates := []string{DefaultFileName}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "batchwrap", DefaultFileName))
	}
	candidates = append(candidates, filepath.Join("/etc/batchwrap", DefaultFileName))
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// loadFile decodes path onto cfg and then loads its includes.
func loadFile(cfg *Config, path string, visited map[string]bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err == nil {
		cfg.SourceFiles[path] = &node
	}

	interpolated := interpolateEnv(string(data))
	var partial struct {
		Include []string `yaml:"include"`
	}
	if err := yaml.Unmarshal([]byte(interpolated), &partial); err != nil {
		return fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	// Keys absent from the file keep their current values.
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	cfg.Include = nil

	baseDir := filepath.Dir(path)
	for i, includePath := range partial.Include {
		includePath = expandHome(includePath)
		if !filepath.IsAbs(includePath) {
			includePath = filepath.Join(baseDir, includePath)
		}
		absPath, err := filepath.Abs(includePath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}
		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		if _, err := os.Stat(absPath); err != nil {
			return fmt.Errorf("include[%d]: file not found: %s\n"+
				"Referenced from: %s\n"+
				"Hint: Check the path is correct and the file exists", i, absPath, path)
		}
		visited[absPath] = true
		if err := loadFile(cfg, absPath, visited); err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, partial.Include[i], err)
		}
	}
	return nil
}

func verifyAllConfigHashes(paths []string) error {
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		checksums, err := LoadChecksums(dir)
		if err != nil {
			// No .checksums in this directory: nothing is locked.
			continue
		}
		for _, path := range files {
			basename := filepath.Base(path)
			expectedHash, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: batchwrap config lock -config %s", basename, dir, path)
			}
			if err := VerifyFileHash(path, expectedHash); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"If you edited this file intentionally, run: batchwrap config lock -config %s", path, err, path)
			}
		}
	}
	return nil
}

// expandPaths resolves a leading ~ in every local path setting.
func (c *Config) expandPaths() {
	c.Dispatch.Wrapper = expandHome(c.Dispatch.Wrapper)
	c.Dispatch.TmpDir = expandHome(c.Dispatch.TmpDir)
	c.Dispatch.RemoteBinary = expandHome(c.Dispatch.RemoteBinary)
	for i, f := range c.Dispatch.FilesToSend {
		c.Dispatch.FilesToSend[i] = expandHome(f)
	}
	c.SSH.IdentityFile = expandHome(c.SSH.IdentityFile)
	c.SSH.ConfigFile = expandHome(c.SSH.ConfigFile)
	c.SSH.KnownHosts = expandHome(c.SSH.KnownHosts)
	c.Journal.Path = expandHome(c.Journal.Path)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and rejected by Validate.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
