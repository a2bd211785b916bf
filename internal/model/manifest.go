package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"
)

// ErrMalformed marks a manifest that cannot be decoded into a task record.
var ErrMalformed = errors.New("malformed manifest")

// Manifest is the on-disk record of one task.
type Manifest struct {
	ID           string            `json:"id" yaml:"id"`
	Goal         string            `json:"goal,omitempty" yaml:"goal,omitempty"`
	ScriptRef    string            `json:"script_ref" yaml:"script_ref"`
	Language     string            `json:"language,omitempty" yaml:"language,omitempty"`
	AttemptCount int               `json:"attempt_count" yaml:"attempt_count"`
	MaxRetries   *int              `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Status       Status            `json:"status,omitempty" yaml:"status,omitempty"`
	History      []ExecutionRecord `json:"history" yaml:"history"`
	UpdatedAt    string            `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
	CompletedAt  string            `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// ExecutionRecord captures a single attempt. Verified is reserved and always false.
type ExecutionRecord struct {
	Timestamp string `json:"timestamp" yaml:"timestamp"`
	Attempt   int    `json:"attempt" yaml:"attempt"`
	Script    string `json:"script" yaml:"script"`
	ExitCode  int    `json:"exit_code" yaml:"exit_code"`
	Stdout    string `json:"stdout" yaml:"stdout"`
	Stderr    string `json:"stderr" yaml:"stderr"`
	Verified  bool   `json:"verified" yaml:"verified"`
}

// RetryLimit returns max_retries, falling back to def when the producer omitted it.
func (m *Manifest) RetryLimit(def int) int {
	if m.MaxRetries == nil {
		return def
	}
	if *m.MaxRetries < 0 {
		return 0
	}
	return *m.MaxRetries
}

// RecordAttempt appends a history entry and bumps attempt_count in one step so
// len(History) and AttemptCount never diverge.
func (m *Manifest) RecordAttempt(rec ExecutionRecord) {
	rec.Attempt = m.AttemptCount + 1
	m.History = append(m.History, rec)
	m.AttemptCount++
}

// ShouldRetry reports whether a failed attempt leaves budget for another run.
// max_retries counts additional attempts after the first failure.
func (m *Manifest) ShouldRetry(def int) bool {
	return m.AttemptCount <= m.RetryLimit(def)
}

// IsYAML reports whether a manifest filename uses the YAML encoding.
func IsYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// DecodeManifest parses data as YAML or JSON depending on the filename.
// Anything that is not a mapping with an id is rejected with ErrMalformed.
func DecodeManifest(name string, data []byte) (*Manifest, error) {
	var m Manifest
	if IsYAML(name) {
		var probe map[string]any
		if err := yamlv3.Unmarshal(data, &probe); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if probe == nil {
			return nil, fmt.Errorf("%w: not a mapping", ErrMalformed)
		}
		if err := yamlv3.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	} else {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(data, &probe); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if probe == nil {
			return nil, fmt.Errorf("%w: not an object", ErrMalformed)
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	if strings.TrimSpace(m.ID) == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if !m.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrMalformed, m.Status)
	}
	if len(m.History) != m.AttemptCount {
		return nil, fmt.Errorf("%w: history has %d entries but attempt_count is %d",
			ErrMalformed, len(m.History), m.AttemptCount)
	}
	return &m, nil
}

// EncodeManifest renders m in the encoding matching the filename.
func EncodeManifest(name string, m *Manifest) ([]byte, error) {
	if m.History == nil {
		m.History = []ExecutionRecord{}
	}
	if IsYAML(name) {
		content, err := yamlv3.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("yaml marshal: %w", err)
		}
		return content, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}
	return buf.Bytes(), nil
}
