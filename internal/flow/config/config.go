// Package config loads the flowd.yaml run configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the file-level configuration. Pointer fields distinguish "unset"
// from an explicit zero so flags and defaults can layer on top.
type Config struct {
	ProjectsRoot string `json:"projects_root,omitempty" yaml:"projects_root,omitempty"`
	MaxWorkers   *int   `json:"max_workers,omitempty" yaml:"max_workers,omitempty"`
	TimeoutSec   *int   `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"`
	HaltOnError  *bool  `json:"halt_on_error,omitempty" yaml:"halt_on_error,omitempty"`
	AuxPath      string `json:"aux_path,omitempty" yaml:"aux_path,omitempty"`
	StoreDir     string `json:"store_dir,omitempty" yaml:"store_dir,omitempty"`
	ListenAddr   string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`
	LogLevel     string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		ProjectsRoot: "projects",
		ListenAddr:   "127.0.0.1:8722",
		LogLevel:     "info",
	}
}

// Load reads path and overlays it on the defaults. A missing file is not an
// error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.ProjectsRoot == "" {
		cfg.ProjectsRoot = Default().ProjectsRoot
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = Default().ListenAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = Default().LogLevel
	}
	return cfg, nil
}
