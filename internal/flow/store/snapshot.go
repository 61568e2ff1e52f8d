package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

// Snapshot writes a project's arena to path so a dev-server restart does not
// orphan outstanding references. The arena is encoded as msgpack; an empty or
// missing arena writes an empty snapshot.
func (s *Store) Snapshot(projectID, path string) error {
	s.mu.Lock()
	arena := s.projects[projectID]
	copied := make(map[string]any, len(arena))
	for k, v := range arena {
		copied[k] = v
	}
	s.mu.Unlock()

	b, err := msgpack.Marshal(copied)
	if err != nil {
		return fmt.Errorf("encode store snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Restore loads a snapshot written by Snapshot into the project's arena,
// replacing any current contents. A missing snapshot file is not an error.
func (s *Store) Restore(projectID, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var arena map[string]any
	if err := msgpack.Unmarshal(b, &arena); err != nil {
		return fmt.Errorf("decode store snapshot: %w", err)
	}
	if arena == nil {
		arena = map[string]any{}
	}

	s.mu.Lock()
	s.projects[projectID] = arena
	s.mu.Unlock()
	return nil
}
