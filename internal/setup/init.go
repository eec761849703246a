// Package setup initializes and locates a project's .courier/ directory.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/courier/internal/model"
	atomicyaml "github.com/msageha/courier/internal/yaml"
	"github.com/msageha/courier/templates"
)

// DirName is the per-project courier directory.
const DirName = ".courier"

// Run creates <projectDir>/.courier/ with its config.yaml.
// projectName overrides the directory basename.
func Run(projectDir, projectName string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, DirName)
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	for _, d := range []string{"locks", "logs", "state", "quarantine"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := generateConfig(absDir, projectName)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := atomicyaml.AtomicWrite(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0o600); err != nil {
		return fmt.Errorf("create daemon.lock: %w", err)
	}
	return nil
}

func generateConfig(projectDir, projectName string) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(projectDir)
	}
	cfg.Project.Workspace = projectDir
	return &cfg, nil
}

// FindDir searches for .courier/ in start and its ancestors.
func FindDir(start string) string {
	dir, err := filepath.Abs(start)
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadConfig reads <courierDir>/config.yaml and applies defaults.
func LoadConfig(courierDir string) (model.Config, error) {
	var cfg model.Config
	found, err := atomicyaml.ReadInto(filepath.Join(courierDir, "config.yaml"), &cfg)
	if err != nil {
		return model.Config{}, err
	}
	if !found {
		return model.Config{}, fmt.Errorf("config.yaml not found in %s; run 'courier setup <dir>' first", courierDir)
	}
	return cfg.WithDefaults(), nil
}
