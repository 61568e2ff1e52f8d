package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "flowd.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ProjectsRoot != "projects" || cfg.ListenAddr != "127.0.0.1:8722" || cfg.LogLevel != "info" {
		t.Fatalf("defaults: %+v", cfg)
	}
	if cfg.MaxWorkers != nil || cfg.HaltOnError != nil {
		t.Fatal("unset numeric fields must stay nil")
	}
}

func TestLoad_FileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowd.yaml")
	body := "projects_root: /srv/flows\nmax_workers: 8\nhalt_on_error: false\nlog_level: debug\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ProjectsRoot != "/srv/flows" || *cfg.MaxWorkers != 8 || *cfg.HaltOnError || cfg.LogLevel != "debug" {
		t.Fatalf("overlay: %+v", cfg)
	}
	if cfg.ListenAddr != "127.0.0.1:8722" {
		t.Fatalf("unset fields keep defaults: %q", cfg.ListenAddr)
	}
}

func TestLoad_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowd.yaml")
	if err := os.WriteFile(path, []byte(":\n  - ][\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
