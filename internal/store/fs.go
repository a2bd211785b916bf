package store

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// FS is the directory-tree Store rooted at a data directory.
type FS struct {
	root   string
	policy MovePolicy
}

// NewFS returns a Store over root/<stage>. Directories are not created; call EnsureLayout.
func NewFS(root string, policy MovePolicy) *FS {
	return &FS{root: root, policy: policy}
}

func (s *FS) Root() string { return s.root }

// Dir returns the absolute directory of a stage.
func (s *FS) Dir(stage Stage) string {
	return filepath.Join(s.root, string(stage))
}

func (s *FS) path(stage Stage, name string) string {
	return filepath.Join(s.Dir(stage), name)
}

// EnsureLayout creates every stage directory plus the given extra directories.
func (s *FS) EnsureLayout(extra ...string) error {
	dirs := make([]string, 0, len(Stages)+len(extra))
	for _, st := range Stages {
		dirs = append(dirs, s.Dir(st))
	}
	for _, d := range extra {
		dirs = append(dirs, filepath.Join(s.root, d))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}
	return nil
}

func (s *FS) List(stage Stage) ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.Dir(stage))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", stage, err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || !IsManifestName(de.Name()) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Moved away between ReadDir and Stat.
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		entries = append(entries, Entry{Name: de.Name(), ModTime: info.ModTime(), Size: info.Size()})
	}
	slices.SortFunc(entries, lessEntry)
	return entries, nil
}

func (s *FS) Oldest(stage Stage) (Entry, bool, error) {
	entries, err := s.List(stage)
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := oldest(entries)
	return e, ok, nil
}

func (s *FS) Read(stage Stage, name string) ([]byte, error) {
	data, err := os.ReadFile(s.path(stage, name))
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", stage, name, err)
	}
	return data, nil
}

func (s *FS) Write(stage Stage, name string, data []byte) error {
	return AtomicWriteRaw(s.path(stage, name), data)
}

func (s *FS) Exists(stage Stage, name string) bool {
	_, err := os.Lstat(s.path(stage, name))
	return err == nil
}

func (s *FS) Relocate(from Stage, name string, to Stage, newName string) error {
	src := s.path(from, name)
	dst := s.path(to, newName)
	if err := Move(src, dst, s.policy); err != nil {
		return fmt.Errorf("relocate %s/%s → %s/%s: %w", from, name, to, newName, err)
	}
	return nil
}
