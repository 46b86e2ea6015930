package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"
)

// InvalidError reports schema violations found while loading a manifest.
type InvalidError struct {
	Path   string
	Issues []ValidationIssue
}

func (e *InvalidError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		if issue.Path == "" {
			parts = append(parts, issue.Message)
			continue
		}
		parts = append(parts, issue.Path+": "+issue.Message)
	}
	return fmt.Sprintf("manifest %s is invalid: %s", e.Path, strings.Join(parts, "; "))
}

// ParseFile reads, validates and decodes a manifest file.
func ParseFile(path string) (*AgentManifest, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Parse(data, path)
	if err != nil {
		return nil, err
	}
	m.Path = path
	return m, nil
}

// Parse validates and decodes manifest YAML. The name is used in errors only.
func Parse(data []byte, name string) (*AgentManifest, error) {
	result, err := Validate(data)
	if err != nil {
		return nil, fmt.Errorf("validating manifest %s: %w", name, err)
	}
	if !result.Valid {
		return nil, &InvalidError{Path: name, Issues: result.Issues}
	}

	var m AgentManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", name, err)
	}
	m.ApplyDefaults()
	return &m, nil
}

// LoadDir loads every *.yaml and *.yml manifest in dir, sorted by agent name.
// Two manifests declaring the same name are an error.
func LoadDir(dir string) ([]*AgentManifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading manifest directory %s: %w", dir, err)
	}

	var manifests []*AgentManifest
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		m, err := ParseFile(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[m.Name]; dup {
			return nil, fmt.Errorf("agent %q is declared in both %s and %s", m.Name, prev, path)
		}
		seen[m.Name] = path
		manifests = append(manifests, m)
	}

	sort.Slice(manifests, func(i, j int) bool { return manifests[i].Name < manifests[j].Name })
	return manifests, nil
}

// readFile reads the contents of a file at the given path.
func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	return data, nil
}
