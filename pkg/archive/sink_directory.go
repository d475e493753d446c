package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// DirectorySink archives segments into a local or mounted directory.
// Writes go to a temp file first and are renamed into place, so a crashed
// put never leaves a partial object behind.
type DirectorySink struct {
	dir string
}

// NewDirectorySink creates a sink rooted at dir, creating it if needed
func NewDirectorySink(dir string) (*DirectorySink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &DirectorySink{dir: dir}, nil
}

// Put stores data under name atomically
func (s *DirectorySink) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp := filepath.Join(s.dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write archive object: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to install archive object: %w", err)
	}
	return nil
}

// Get retrieves the object stored under name
func (s *DirectorySink) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read archive object: %w", err)
	}
	return data, nil
}

// List returns all object names in ascending order
func (s *DirectorySink) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list archive directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) == ".tmp" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}
