// Package seed loads initial task definitions from YAML files.
package seed

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/alexhall/foreman/internal/task"
)

// TaskSpec is one task definition in a seed file.
type TaskSpec struct {
	ID          string   `yaml:"id"`
	Description string   `yaml:"description"`
	Target      string   `yaml:"target"`
	Priority    int      `yaml:"priority"`
	DependsOn   []string `yaml:"depends_on"`
}

// File is the top-level seed file layout.
type File struct {
	Tasks []TaskSpec `yaml:"tasks"`
}

// SeedFile pairs parsed tasks with their on-disk source.
type SeedFile struct {
	Tasks []TaskSpec
	Path  string
}

// ParseYAML decodes and validates a single seed payload. Tasks without an
// id get a generated one.
func ParseYAML(data []byte) ([]TaskSpec, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("seed: payload is empty")
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("seed: decode: %w", err)
	}
	if len(f.Tasks) == 0 {
		return nil, fmt.Errorf("seed: no tasks defined")
	}

	seen := make(map[string]bool, len(f.Tasks))
	for i := range f.Tasks {
		spec := &f.Tasks[i]
		if strings.TrimSpace(spec.Description) == "" {
			return nil, fmt.Errorf("seed: task %d has no description", i)
		}
		if strings.TrimSpace(spec.ID) == "" {
			spec.ID = uuid.NewString()
		}
		if seen[spec.ID] {
			return nil, fmt.Errorf("seed: duplicate task id %s", spec.ID)
		}
		seen[spec.ID] = true
	}
	return f.Tasks, nil
}

// LoadFile reads a YAML seed file from disk.
func LoadFile(path string) (SeedFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return SeedFile{}, fmt.Errorf("seed: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return SeedFile{}, fmt.Errorf("seed: %s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return SeedFile{}, fmt.Errorf("seed: read %s: %w", path, err)
	}
	tasks, err := ParseYAML(data)
	if err != nil {
		return SeedFile{}, fmt.Errorf("seed: %s: %w", path, err)
	}
	return SeedFile{Tasks: tasks, Path: filepath.Clean(path)}, nil
}

// LoadDir scans a directory for *.yaml seed files and returns the parsed
// files in path order. A missing directory means "no seeds".
func LoadDir(dir string) ([]SeedFile, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("seed: read %s: %w", trimmed, err)
	}

	var files []SeedFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !isYAMLFile(entry.Name()) {
			continue
		}
		f, err := LoadFile(filepath.Join(trimmed, entry.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		return nil, nil
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Tasks converts every spec in the given files into store-ready tasks.
func Tasks(files []SeedFile) []*task.Task {
	var out []*task.Task
	for _, f := range files {
		for _, spec := range f.Tasks {
			out = append(out, &task.Task{
				ID:          spec.ID,
				Description: spec.Description,
				Target:      spec.Target,
				Status:      task.StatusNew,
				Priority:    spec.Priority,
				DependsOn:   append([]string(nil), spec.DependsOn...),
			})
		}
	}
	return out
}

func isYAMLFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
