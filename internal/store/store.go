// Package store implements the stage directories that act as the task queue:
// listing by age, atomic manifest writes and crash-safe relocation between stages.
package store

import (
	"errors"
	"io/fs"
	"strings"
	"time"
)

// Stage is a lifecycle directory under the data root.
type Stage string

const (
	StageTodo        Stage = "todo"
	StageTodoHost    Stage = "todo-on-host"
	StageWorking     Stage = "working"
	StageWorkingHost Stage = "working-on-host"
	StageDone        Stage = "done"
)

// Stages lists every stage directory in lifecycle order.
var Stages = []Stage{StageTodo, StageTodoHost, StageWorking, StageWorkingHost, StageDone}

// ErrNotFound is returned when a manifest is not present in the requested stage.
var ErrNotFound = fs.ErrNotExist

// BadSuffix marks a manifest that could be neither processed nor quarantined.
const BadSuffix = ".bad"

// Entry is a manifest file resident in a stage.
type Entry struct {
	Name    string
	ModTime time.Time
	Size    int64
}

// Store is the storage port the scheduler and processor work against.
type Store interface {
	// List returns the manifests in stage, oldest modification time first.
	List(stage Stage) ([]Entry, error)
	// Oldest returns the single oldest manifest in stage.
	Oldest(stage Stage) (Entry, bool, error)
	Read(stage Stage, name string) ([]byte, error)
	// Write replaces the manifest atomically.
	Write(stage Stage, name string, data []byte) error
	Exists(stage Stage, name string) bool
	// Relocate moves name from one stage to another under newName. The
	// destination must not exist; use UniqueName to pick one.
	Relocate(from Stage, name string, to Stage, newName string) error
}

// IsManifestName reports whether a directory entry takes part in the queue.
// Dot-files are in-progress atomic writes; .bad files are parked for a human.
func IsManifestName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.HasSuffix(name, BadSuffix)
}

// IsNotFound reports whether err means the manifest is gone.
func IsNotFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func oldest(entries []Entry) (Entry, bool) {
	if len(entries) == 0 {
		return Entry{}, false
	}
	return entries[0], true
}

func lessEntry(a, b Entry) int {
	if c := a.ModTime.Compare(b.ModTime); c != 0 {
		return c
	}
	return strings.Compare(a.Name, b.Name)
}
