package store

import (
	"fmt"
	"io/fs"
	"slices"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests. Modification times come from a
// logical clock so insertion order is age order.
type Memory struct {
	mu    sync.Mutex
	files map[Stage]map[string]memFile
	clock time.Time
	moves int

	// FailRelocate, when set, is consulted before every relocation.
	FailRelocate func(from Stage, name string, to Stage, newName string) error
	// FailWrite, when set, is consulted before every write.
	FailWrite func(stage Stage, name string) error
}

type memFile struct {
	data    []byte
	modTime time.Time
}

func NewMemory() *Memory {
	m := &Memory{
		files: make(map[Stage]map[string]memFile),
		clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, st := range Stages {
		m.files[st] = make(map[string]memFile)
	}
	return m
}

func (m *Memory) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

// Put drops a file into stage as an external producer would.
func (m *Memory) Put(stage Stage, name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[stage][name] = memFile{data: slices.Clone(data), modTime: m.tick()}
}

// Remove deletes a file, simulating a concurrent cancellation.
func (m *Memory) Remove(stage Stage, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files[stage], name)
}

// Names returns every file name in stage, including ones List would skip.
func (m *Memory) Names(stage Stage) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.files[stage]))
	for name := range m.files[stage] {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Relocations counts successful relocations.
func (m *Memory) Relocations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moves
}

func (m *Memory) List(stage Stage) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]Entry, 0, len(m.files[stage]))
	for name, f := range m.files[stage] {
		if !IsManifestName(name) {
			continue
		}
		entries = append(entries, Entry{Name: name, ModTime: f.modTime, Size: int64(len(f.data))})
	}
	slices.SortFunc(entries, lessEntry)
	return entries, nil
}

func (m *Memory) Oldest(stage Stage) (Entry, bool, error) {
	entries, err := m.List(stage)
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := oldest(entries)
	return e, ok, nil
}

func (m *Memory) Read(stage Stage, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[stage][name]
	if !ok {
		return nil, fmt.Errorf("read %s/%s: %w", stage, name, fs.ErrNotExist)
	}
	return slices.Clone(f.data), nil
}

func (m *Memory) Write(stage Stage, name string, data []byte) error {
	if m.FailWrite != nil {
		if err := m.FailWrite(stage, name); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[stage][name] = memFile{data: slices.Clone(data), modTime: m.tick()}
	return nil
}

func (m *Memory) Exists(stage Stage, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[stage][name]
	return ok
}

func (m *Memory) Relocate(from Stage, name string, to Stage, newName string) error {
	if m.FailRelocate != nil {
		if err := m.FailRelocate(from, name, to, newName); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[from][name]
	if !ok {
		return fmt.Errorf("relocate %s/%s: %w", from, name, fs.ErrNotExist)
	}
	delete(m.files[from], name)
	m.files[to][newName] = f
	m.moves++
	return nil
}
