package fsmodel

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agentcompany/agentcompany/internal/config"
)

// ReadYAML unmarshals a YAML file into dst.
func ReadYAML(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("fsmodel: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("fsmodel: parse %s: %w", path, err)
	}
	return nil
}

// WriteYAML atomically writes src as YAML to path, reusing the
// temp-file-then-rename discipline from internal/config/file.go so a
// crash mid-write never corrupts run.yaml/job.yaml.
func WriteYAML(path string, src any) error {
	data, err := yaml.Marshal(src)
	if err != nil {
		return fmt.Errorf("fsmodel: marshal %s: %w", path, err)
	}
	return config.AtomicWrite(path, data, 0o644)
}
