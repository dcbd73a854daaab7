package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// TaskDef is one entry of the tasks file.
type TaskDef struct {
	Name        string
	Cron        string
	Description string
	// Type selects the job handler (shell, http, fanout).
	Type    string
	Timeout time.Duration
	Payload json.RawMessage
}

type taskFile struct {
	Tasks []rawTask `yaml:"tasks"`
}

type rawTask struct {
	Name        string `yaml:"name"`
	Cron        string `yaml:"cron"`
	Description string `yaml:"description"`
	Type        string `yaml:"type"`
	Timeout     string `yaml:"timeout"`
	Payload     any    `yaml:"payload"`
}

// LoadTasks reads and validates a tasks file.
func LoadTasks(path string) ([]TaskDef, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTasks(b)
}

// ParseTasks decodes YAML task definitions. Payloads are converted to JSON
// for the job handlers.
func ParseTasks(data []byte) ([]TaskDef, error) {
	var f taskFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}

	defs := make([]TaskDef, 0, len(f.Tasks))
	seen := make(map[string]bool, len(f.Tasks))
	var errs []error
	for i, rt := range f.Tasks {
		def, err := rt.toDef()
		if err != nil {
			errs = append(errs, fmt.Errorf("tasks[%d]: %w", i, err))
			continue
		}
		if seen[def.Name] {
			errs = append(errs, fmt.Errorf("tasks[%d]: duplicate name %q", i, def.Name))
			continue
		}
		seen[def.Name] = true
		defs = append(defs, def)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return defs, nil
}

func (rt rawTask) toDef() (TaskDef, error) {
	def := TaskDef{
		Name:        strings.TrimSpace(rt.Name),
		Cron:        strings.TrimSpace(rt.Cron),
		Description: rt.Description,
		Type:        strings.ToLower(strings.TrimSpace(rt.Type)),
	}
	if def.Name == "" {
		return def, errors.New("name is required")
	}
	if def.Cron == "" {
		return def, fmt.Errorf("%s: cron is required", def.Name)
	}
	if def.Type == "" {
		return def, fmt.Errorf("%s: type is required", def.Name)
	}
	if rt.Timeout != "" {
		d, err := time.ParseDuration(rt.Timeout)
		if err != nil || d < 0 {
			return def, fmt.Errorf("%s: invalid timeout %q", def.Name, rt.Timeout)
		}
		def.Timeout = d
	}
	if rt.Payload != nil {
		j, err := json.Marshal(normalizeYAML(rt.Payload))
		if err != nil {
			return def, fmt.Errorf("%s: payload: %w", def.Name, err)
		}
		def.Payload = j
	} else {
		def.Payload = json.RawMessage("{}")
	}
	return def, nil
}

// normalizeYAML makes every map key a string so the value can be JSON-encoded.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
