package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const generatedHeader = "# flightd node agent configuration.\n# Generated by \"flightd config init\"; edit and check with \"flightd validate\".\n\n"

// SaveConfig validates cfg and writes it to path as YAML. The file is staged
// next to its destination and renamed into place, so a reader never sees a
// partial configuration.
func SaveConfig(cfg *Config, path string) error {
	if err := validate(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to stage config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := encode(tmp, cfg); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to set config permissions: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to install config: %w", err)
	}
	return nil
}

func encode(f *os.File, cfg *Config) error {
	if _, err := f.WriteString(generatedHeader); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	return f.Sync()
}

// NewDefaultConfig returns a Config with every default applied.
func NewDefaultConfig() (*Config, error) {
	return parse(nil)
}
