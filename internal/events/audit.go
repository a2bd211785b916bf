package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxLogSize caps the live audit file before rotation (100MB).
	DefaultMaxLogSize = 100 * 1024 * 1024
	// ArchiveDir holds rotated audit files, next to the live one.
	ArchiveDir = "archive"
)

// AuditLogger appends events as JSON lines and rotates the file once it
// exceeds maxSize.
type AuditLogger struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	rotationCounter int
}

// NewAuditLogger opens (or creates) logPath for appending.
func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	l := &AuditLogger{
		logPath: logPath,
		maxSize: maxSize,
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	if err := l.openLogFile(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}

	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Record writes one event as a JSON line.
func (l *AuditLogger) Record(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log closed")
	}

	if l.currentSize > 0 && l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

// rotate moves the live file to archive/ and reopens. Caller holds l.mu.
func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close current audit log: %w", err)
	}
	l.file = nil

	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	l.rotationCounter++
	base := filepath.Base(l.logPath)
	ext := filepath.Ext(base)
	archiveName := fmt.Sprintf("%s.%s.%d%s",
		strings.TrimSuffix(base, ext),
		time.Now().Format("20060102_150405"),
		l.rotationCounter,
		ext)

	if err := os.Rename(l.logPath, filepath.Join(archiveDir, archiveName)); err != nil {
		// Keep logging to the oversized file rather than losing entries.
		if openErr := l.openLogFile(); openErr != nil {
			return fmt.Errorf("archive audit log: %w (reopen: %v)", err, openErr)
		}
		return fmt.Errorf("archive audit log: %w", err)
	}

	return l.openLogFile()
}

// Attach subscribes the logger to every event type on bus. Write failures are
// passed to onError, which may be nil.
func (l *AuditLogger) Attach(bus *Bus, onError func(error)) func() {
	return bus.SubscribeAll(func(e Event) {
		if err := l.Record(e); err != nil && onError != nil {
			onError(err)
		}
	})
}

// Close syncs and closes the audit file.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Path returns the live audit file path.
func (l *AuditLogger) Path() string {
	return l.logPath
}
