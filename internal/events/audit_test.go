package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestAuditLogger_Record(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")
	l, err := NewAuditLogger(path, 0)
	require.NoError(t, err)

	require.NoError(t, l.Record(Event{Type: EventTaskFailed, File: "t2.json", TaskID: "t2", Attempt: 3, ExitCode: IntPtr(1)}))
	require.NoError(t, l.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	assert.Equal(t, EventTaskFailed, lines[0].Type)
	require.NotNil(t, lines[0].ExitCode)
	assert.Equal(t, 1, *lines[0].ExitCode)
}

func TestAuditLogger_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := NewAuditLogger(path, 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, l.Record(Event{Type: EventTaskStarted, Attempt: i}))
		}(i)
	}
	wg.Wait()
	require.NoError(t, l.Close())

	assert.Len(t, readLines(t, path), 50)
}

func TestAuditLogger_Rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	l, err := NewAuditLogger(path, 200)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Record(Event{Type: EventTaskCompleted, File: "some-fairly-long-name.json", Attempt: i}))
	}
	require.NoError(t, l.Close())

	archived, err := os.ReadDir(filepath.Join(dir, ArchiveDir))
	require.NoError(t, err)
	assert.NotEmpty(t, archived)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), int64(200))
}

func TestAuditLogger_AttachRecordsBusEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := NewAuditLogger(path, 0)
	require.NoError(t, err)

	bus := NewBus(10)
	unsub := l.Attach(bus, func(err error) { t.Errorf("audit write: %v", err) })
	bus.Publish(Event{Type: EventTaskPromoted, File: "t1.json"})
	bus.Publish(Event{Type: EventTaskQuarantined, File: "bad.json"})

	waitFor(t, func() bool {
		data, _ := os.ReadFile(path)
		return len(data) > 0 && countNewlines(data) == 2
	})
	unsub()
	bus.Close()
	require.NoError(t, l.Close())
	assert.NoError(t, l.Close(), "double close is safe")
}

func countNewlines(b []byte) int {
	n := 0
	for _, c := range b {
		if c == '\n' {
			n++
		}
	}
	return n
}
