package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// GetPath retrieves a value from the configuration using a dot-notation
// path such as "dispatch.cleanup".
func (c *Config) GetPath(path string) (any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return getValue(m, path)
}

func getValue(m map[string]any, path string) (any, error) {
	parts := strings.Split(path, ".")
	var current any = m

	for _, part := range parts {
		if part == "" {
			continue
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}
		val, exists := m[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}
	return current, nil
}

func findNode(node *yaml.Node, path string, create bool) (*yaml.Node, error) {
	parts := strings.Split(path, ".")
	current := node

	for _, part := range parts {
		if current.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("not a mapping node")
		}

		found := false
		for i := 0; i < len(current.Content); i += 2 {
			if current.Content[i].Value == part {
				current = current.Content[i+1]
				found = true
				break
			}
		}
		if found {
			continue
		}
		if !create {
			return nil, fmt.Errorf("key %q not found", part)
		}
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: part}
		// Overwritten by the value when this is the last part.
		valueNode := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		current.Content = append(current.Content, keyNode, valueNode)
		current = valueNode
	}
	return current, nil
}

// SetPath sets the value at a dot-notation path in the root config file.
// List settings such as dispatch.hosts take a comma-separated value, and
// an empty value clears them. With persist, the file is rewritten and
// reloaded; a change that fails validation is rolled back.
func (c *Config) SetPath(path, value string, persist bool) error {
	rootNode := c.SourceFiles[c.ConfigPath]
	if rootNode == nil || rootNode.Kind != yaml.DocumentNode || len(rootNode.Content) == 0 {
		return fmt.Errorf("no valid configuration source found")
	}
	shape, err := getValue(c.template(), path)
	if err != nil {
		return fmt.Errorf("unknown setting %q", path)
	}
	if _, isSection := shape.(map[string]any); isSection {
		return fmt.Errorf("%q is a section, set one of its keys", path)
	}

	target, err := findNode(rootNode.Content[0], path, true)
	if err != nil {
		return fmt.Errorf("failed to navigate/create path %q: %w", path, err)
	}
	if _, isList := shape.([]any); isList {
		setSequence(target, value)
	} else {
		setScalar(target, value)
	}

	if !persist {
		return nil
	}
	candidate, err := yaml.Marshal(rootNode)
	if err != nil {
		return err
	}
	return c.persistWithValidation(c.ConfigPath, candidate)
}

// template is the full key tree, used to reject typos in SetPath.
func (c *Config) template() map[string]any {
	data, _ := yaml.Marshal(Defaults())
	var m map[string]any
	_ = yaml.Unmarshal(data, &m)
	return m
}

func setScalar(n *yaml.Node, value string) {
	n.Kind = yaml.ScalarNode
	n.Style = 0
	n.Tag = guessTag(value)
	n.Value = value
	n.Content = nil
}

func setSequence(n *yaml.Node, value string) {
	n.Kind = yaml.SequenceNode
	n.Style = yaml.FlowStyle
	n.Tag = "!!seq"
	n.Value = ""
	n.Content = nil
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		n.Content = append(n.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: guessTag(item), Value: item})
	}
}

// guessTag types a command-line value. Durations such as "250ms" stay
// strings; the decoder parses them.
func guessTag(v string) string {
	if _, err := strconv.ParseBool(v); err == nil && (v == "true" || v == "false") {
		return "!!bool"
	}
	if _, err := strconv.ParseInt(v, 10, 64); err == nil {
		return "!!int"
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil && strings.Contains(v, ".") {
		return "!!float"
	}
	return "!!str"
}

func (c *Config) persistWithValidation(targetFile string, candidate []byte) error {
	original, err := os.ReadFile(targetFile)
	if err != nil {
		return fmt.Errorf("failed to read original config file: %w", err)
	}

	mode := os.FileMode(0644)
	if info, statErr := os.Stat(targetFile); statErr == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(targetFile, candidate, mode); err != nil {
		return fmt.Errorf("failed to persist config change: %w", err)
	}

	if _, err := LoadUnverified(c.ConfigPath); err != nil {
		if restoreErr := os.WriteFile(targetFile, original, mode); restoreErr != nil {
			return fmt.Errorf("validation failed (%v) and rollback failed (%v)", err, restoreErr)
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
