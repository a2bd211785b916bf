package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/msageha/taskdir/internal/model"
	"github.com/msageha/taskdir/internal/runner"
	"github.com/msageha/taskdir/internal/store"
)

// fakeRunner returns exit codes from a per-script queue; the last code repeats.
type fakeRunner struct {
	mu    sync.Mutex
	codes map[string][]int
	calls []runnerCall
	block chan struct{}
}

type runnerCall struct {
	Path     string
	Language string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{codes: make(map[string][]int)}
}

// exits sets the exit codes returned for scripts whose base name is base.
func (f *fakeRunner) exits(base string, codes ...int) *fakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes[base] = codes
	return f
}

func (f *fakeRunner) Run(path, language string) runner.Result {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, runnerCall{Path: path, Language: language})

	code := 0
	base := filepath.Base(path)
	if q := f.codes[base]; len(q) > 0 {
		code = q[0]
		if len(q) > 1 {
			f.codes[base] = q[1:]
		}
	}
	return runner.Result{ExitCode: code, Stdout: "ran " + base + "\n"}
}

func (f *fakeRunner) Calls() []runnerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runnerCall(nil), f.calls...)
}

// writeScripts creates empty script files under root so resolution succeeds.
func writeScripts(t *testing.T, root string, refs ...string) {
	t.Helper()
	for _, ref := range refs {
		path := filepath.Join(root, ref)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte("#!/bin/bash\nexit 0\n"), 0755))
	}
}

func manifestJSON(t *testing.T, m map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	return data
}

func readManifest(t *testing.T, st store.Store, stage store.Stage, name string) *model.Manifest {
	t.Helper()
	data, err := st.Read(stage, name)
	require.NoError(t, err)
	m, err := model.DecodeManifest(name, data)
	require.NoError(t, err)
	return m
}

func retryConfig(policy string, delayMs, maxDelayMs int) model.RetryConfig {
	return model.RetryConfig{Policy: model.RetryPolicy(policy), DelayMs: delayMs, MaxDelayMs: maxDelayMs}
}
