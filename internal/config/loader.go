package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// LoadRun reads the run parameter file, applies defaults and validates it.
func LoadRun(path string) (*RunConfig, error) {
	var cfg RunConfig
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Ensemble == "" {
		cfg.Ensemble = "npt"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// LoadMachine reads the machine file, applies defaults and validates it.
func LoadMachine(path string) (*MachineConfig, error) {
	var cfg MachineConfig
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyMachineDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// decodeFile reads a JSONC file (or YAML, by extension), expands
// ${{ .Env.VAR }} templates and unmarshals it into out.
func decodeFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	// Expand environment variable templates (before parsing, since templates are in strings)
	expanded := []byte(expandEnvTemplates(string(data)))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(expanded, out); err != nil {
			return fmt.Errorf("unmarshal %s: %w", path, err)
		}
		return nil
	}

	std, err := hujson.Standardize(expanded)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if err := json.Unmarshal(std, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return nil
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyMachineDefaults fills in zero-value fields with sensible defaults.
func applyMachineDefaults(cfg *MachineConfig) {
	if cfg.Machine.Batch == "" {
		cfg.Machine.Batch = BatchSlurm
	}
	if cfg.Machine.Port == 0 {
		cfg.Machine.Port = 22
	}
	if cfg.Machine.LocalRoot == "" {
		cfg.Machine.LocalRoot = filepath.Join(os.TempDir(), "gdi-jobs")
	}
	if cfg.GroupSize == 0 {
		cfg.GroupSize = 1
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = Duration(30 * time.Second)
	}
	if cfg.Retries == 0 {
		cfg.Retries = 3
	}
	if cfg.RetryWait == 0 {
		cfg.RetryWait = Duration(10 * time.Second)
	}
	if cfg.Resources.NumbNode == 0 {
		cfg.Resources.NumbNode = 1
	}
	if cfg.Resources.TaskPerNode == 0 {
		cfg.Resources.TaskPerNode = 1
	}
}
