package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T) *FS {
	t.Helper()
	s := NewFS(t.TempDir(), MovePolicy{MaxAttempts: 2, Delay: time.Millisecond})
	require.NoError(t, s.EnsureLayout("scripts"))
	return s
}

func writeAged(t *testing.T, s *FS, stage Stage, name string, age time.Duration) {
	t.Helper()
	p := filepath.Join(s.Dir(stage), name)
	require.NoError(t, os.WriteFile(p, []byte(`{"id":"`+name+`"}`), 0644))
	mt := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(p, mt, mt))
}

func TestFS_EnsureLayout(t *testing.T) {
	s := newTestFS(t)
	for _, st := range Stages {
		info, err := os.Stat(s.Dir(st))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	_, err := os.Stat(filepath.Join(s.Root(), "scripts"))
	assert.NoError(t, err)
}

func TestFS_ListOldestFirst(t *testing.T) {
	s := newTestFS(t)
	writeAged(t, s, StageTodo, "new.json", time.Minute)
	writeAged(t, s, StageTodo, "old.json", time.Hour)
	writeAged(t, s, StageTodo, "mid.json", 10*time.Minute)

	entries, err := s.List(StageTodo)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "old.json", entries[0].Name)
	assert.Equal(t, "mid.json", entries[1].Name)
	assert.Equal(t, "new.json", entries[2].Name)

	e, ok, err := s.Oldest(StageTodo)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "old.json", e.Name)
}

func TestFS_ListSkipsNonManifests(t *testing.T) {
	s := newTestFS(t)
	writeAged(t, s, StageWorking, "task.json", time.Minute)
	writeAged(t, s, StageWorking, ".taskdir-tmp-123", time.Hour)
	writeAged(t, s, StageWorking, "broken.json.bad", time.Hour)
	require.NoError(t, os.Mkdir(filepath.Join(s.Dir(StageWorking), "subdir"), 0755))

	entries, err := s.List(StageWorking)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "task.json", entries[0].Name)
}

func TestFS_OldestEmpty(t *testing.T) {
	s := newTestFS(t)
	_, ok, err := s.Oldest(StageTodo)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFS_Relocate(t *testing.T) {
	s := newTestFS(t)
	writeAged(t, s, StageTodo, "t1.json", time.Minute)

	require.NoError(t, s.Relocate(StageTodo, "t1.json", StageWorking, "t1.json"))
	assert.False(t, s.Exists(StageTodo, "t1.json"))
	assert.True(t, s.Exists(StageWorking, "t1.json"))

	data, err := s.Read(StageWorking, "t1.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"t1.json"}`, string(data))
}

func TestFS_RelocateMissingSource(t *testing.T) {
	s := newTestFS(t)
	err := s.Relocate(StageTodo, "ghost.json", StageWorking, "ghost.json")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.False(t, s.Exists(StageWorking, "ghost.json"))
}

func TestFS_ReadMissing(t *testing.T) {
	s := newTestFS(t)
	_, err := s.Read(StageWorking, "ghost.json")
	assert.True(t, IsNotFound(err))
}

func TestFS_WriteReplacesAtomically(t *testing.T) {
	s := newTestFS(t)
	require.NoError(t, s.Write(StageWorking, "t.json", []byte("one")))
	require.NoError(t, s.Write(StageWorking, "t.json", []byte("two")))

	data, err := s.Read(StageWorking, "t.json")
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(s.Dir(StageWorking))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}
