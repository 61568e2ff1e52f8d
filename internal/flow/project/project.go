// Package project resolves the on-disk layout and interpreter environment of
// a node project. A project is a directory under the projects root holding
// structure.json, per-node .py files, and optionally a .venv and a .env file.
package project

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/joho/godotenv"
)

// Env is everything needed to launch an interpreter for a project.
type Env struct {
	Interpreter string
	WorkingDir  string
	Env         []string
}

// Resolver maps project ids to directories under Root. AuxPath, when set, is
// exported to node processes as FLOWD_AUX_PATH for shared helper code.
type Resolver struct {
	Root    string
	AuxPath string

	// lookPath is swappable in tests.
	lookPath func(string) (string, error)
}

func NewResolver(root, auxPath string) *Resolver {
	return &Resolver{Root: root, AuxPath: auxPath, lookPath: exec.LookPath}
}

// ProjectPath joins id onto the projects root, rejecting ids that would
// escape it.
func (r *Resolver) ProjectPath(projectID string) (string, error) {
	if projectID == "" {
		return "", fmt.Errorf("empty project id")
	}
	if projectID != filepath.Base(projectID) || projectID == ".." || projectID == "." {
		return "", fmt.Errorf("invalid project id %q", projectID)
	}
	return filepath.Join(r.Root, projectID), nil
}

// Environment variables never taken from a project's .env file. The
// interpreter invocation depends on these staying under our control.
var protectedEnv = map[string]bool{
	"PATH":             true,
	"PYTHONPATH":       true,
	"PYTHONHOME":       true,
	"PYTHONNOUSERSITE": true,
	"VIRTUAL_ENV":      true,
}

// Resolve builds the interpreter environment for a project: the project's
// .venv interpreter when present, otherwise python3 from PATH; a scrubbed
// environment carrying only what node code needs; and the project directory
// as working directory. Entries from an optional {project}/.env file are
// overlaid but can never override the protected variables.
func (r *Resolver) Resolve(projectID string) (Env, error) {
	dir, err := r.ProjectPath(projectID)
	if err != nil {
		return Env{}, err
	}
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return Env{}, fmt.Errorf("project %q not found under %s", projectID, r.Root)
	}

	vars := map[string]string{
		"PYTHONNOUSERSITE": "1",
	}
	for _, key := range []string{"PATH", "HOME", "USER", "TMPDIR", "LANG", "LC_ALL"} {
		if v, ok := os.LookupEnv(key); ok {
			vars[key] = v
		}
	}

	interp := ""
	venv := filepath.Join(dir, ".venv")
	candidate := filepath.Join(venv, "bin", "python")
	if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
		interp = candidate
		vars["VIRTUAL_ENV"] = venv
		vars["PATH"] = filepath.Join(venv, "bin") + string(os.PathListSeparator) + vars["PATH"]
	} else {
		lookPath := r.lookPath
		if lookPath == nil {
			lookPath = exec.LookPath
		}
		found, err := lookPath("python3")
		if err != nil {
			return Env{}, fmt.Errorf("no interpreter for project %q: no .venv and python3 not on PATH", projectID)
		}
		interp = found
	}

	if r.AuxPath != "" {
		vars["FLOWD_AUX_PATH"] = r.AuxPath
	}

	if overlay, err := godotenv.Read(filepath.Join(dir, ".env")); err == nil {
		for k, v := range overlay {
			if protectedEnv[k] {
				continue
			}
			vars[k] = v
		}
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}

	return Env{Interpreter: interp, WorkingDir: dir, Env: env}, nil
}

// SitePackages returns the project venv's site-packages directories, if any.
// The interpreter adds these to sys.path itself; the engine uses the list for
// diagnostics only.
func (r *Resolver) SitePackages(projectID string) []string {
	dir, err := r.ProjectPath(projectID)
	if err != nil {
		return nil
	}
	matches, err := doublestar.FilepathGlob(filepath.Join(dir, ".venv", "lib", "python*", "site-packages"))
	if err != nil {
		return nil
	}
	sort.Strings(matches)
	return matches
}

// NodeFiles lists the .py files in the project directory, relative to it.
// Used to enrich "node file not found" errors with what is actually there.
func (r *Resolver) NodeFiles(projectID string) []string {
	dir, err := r.ProjectPath(projectID)
	if err != nil {
		return nil
	}
	matches, err := doublestar.FilepathGlob(filepath.Join(dir, "*.py"))
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, filepath.Base(m))
	}
	sort.Strings(names)
	return names
}

// EnvValue extracts a variable from a KEY=VALUE environment slice.
func EnvValue(env []string, key string) (string, bool) {
	prefix := key + "="
	for _, entry := range env {
		if strings.HasPrefix(entry, prefix) {
			return entry[len(prefix):], true
		}
	}
	return "", false
}
