package resolver

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Override adjusts one service from the services file. Unset fields keep
// the built-in value; a service not present in the built-ins is added when
// it carries a pattern.
type Override struct {
	Name     string   `yaml:"name"`
	Prefix   string   `yaml:"prefix,omitempty"`
	Pattern  string   `yaml:"pattern,omitempty"`
	Handlers []string `yaml:"handlers,omitempty"`
	Disabled bool     `yaml:"disabled,omitempty"`
}

type servicesFile struct {
	Services []Override `yaml:"services"`
}

// LoadOverrides reads a services file. A missing file is not an error.
func LoadOverrides(path string, logger *slog.Logger) ([]Override, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Debug("services file does not exist, using built-ins", "path", path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read services file: %w", err)
	}

	var f servicesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse services file %s: %w", path, err)
	}
	for i, o := range f.Services {
		if o.Name == "" {
			return nil, fmt.Errorf("services file %s: entry %d has no name", path, i)
		}
	}
	logger.Info("loaded services file", "path", path, "overrides", len(f.Services))
	return f.Services, nil
}

// Apply merges overrides into specs. known lists the valid handler names.
func Apply(specs []Spec, overrides []Override, known map[string]bool) ([]Spec, error) {
	out := make([]Spec, 0, len(specs))
	byName := make(map[string]Override, len(overrides))
	for _, o := range overrides {
		for _, h := range o.Handlers {
			if !known[h] {
				return nil, fmt.Errorf("service %s: unknown handler %q", o.Name, h)
			}
		}
		byName[o.Name] = o
	}

	for _, spec := range specs {
		o, ok := byName[spec.Name]
		if !ok {
			out = append(out, spec)
			continue
		}
		delete(byName, spec.Name)
		if o.Disabled {
			continue
		}
		if o.Prefix != "" {
			spec.Prefix = o.Prefix
		}
		if o.Pattern != "" {
			spec.Pattern = o.Pattern
		}
		if o.Handlers != nil {
			spec.Handlers = o.Handlers
		}
		out = append(out, spec)
	}

	// Remaining overrides describe new services, appended in file order.
	for _, o := range overrides {
		if _, pending := byName[o.Name]; !pending || o.Disabled {
			continue
		}
		if o.Pattern == "" || len(o.Handlers) == 0 {
			return nil, fmt.Errorf("service %s: new services need a pattern and handlers", o.Name)
		}
		prefix := o.Prefix
		if prefix == "" {
			prefix = o.Name
		}
		out = append(out, Spec{Name: o.Name, Prefix: prefix, Pattern: o.Pattern, Handlers: o.Handlers})
	}
	return out, nil
}
