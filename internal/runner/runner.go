// Package runner executes task scripts with an interpreter chosen by file extension.
package runner

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"os/exec"
	"path/filepath"
	"strings"
)

// ExitCodeSentinel is reported when no process could be run at all.
const ExitCodeSentinel = -1

// Result is the outcome of one script execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (r Result) Succeeded() bool { return r.ExitCode == 0 }

// Failure builds a synthetic result for a script that was never started.
func Failure(format string, args ...any) Result {
	return Result{ExitCode: ExitCodeSentinel, Stderr: fmt.Sprintf(format, args...)}
}

// ScriptRunner runs one resolved script. Implementations never return an
// error: every fault is folded into Result.
type ScriptRunner interface {
	Run(path, language string) Result
}

// DefaultInterpreters maps extensions to the argv prefix used to execute them.
var DefaultInterpreters = map[string][]string{
	".sh":  {"bash"},
	".py":  {"python3"},
	".js":  {"node"},
	".ps1": {"pwsh"},
}

var languageExtensions = map[string]string{
	"bash":       ".sh",
	"sh":         ".sh",
	"shell":      ".sh",
	"python":     ".py",
	"python3":    ".py",
	"py":         ".py",
	"javascript": ".js",
	"js":         ".js",
	"node":       ".js",
	"powershell": ".ps1",
	"pwsh":       ".ps1",
	"ps1":        ".ps1",
}

// Exec runs scripts as child processes.
type Exec struct {
	interpreters map[string][]string
}

// NewExec returns a runner using DefaultInterpreters with overrides applied.
// Override keys may be given with or without the leading dot.
func NewExec(overrides map[string][]string) *Exec {
	interps := maps.Clone(DefaultInterpreters)
	for ext, argv := range overrides {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if len(argv) == 0 {
			delete(interps, ext)
			continue
		}
		interps[ext] = argv
	}
	return &Exec{interpreters: interps}
}

// Command resolves the argv for path. The extension wins; the language hint is
// consulted only when the extension has no interpreter.
func (e *Exec) Command(path, language string) ([]string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	argv, ok := e.interpreters[ext]
	if !ok && language != "" {
		if hinted, known := languageExtensions[strings.ToLower(strings.TrimSpace(language))]; known {
			argv, ok = e.interpreters[hinted]
		}
	}
	if !ok {
		return nil, fmt.Errorf("unsupported script type: extension=%q language=%q", ext, language)
	}

	cmd := make([]string, 0, len(argv)+1)
	cmd = append(cmd, argv...)
	return append(cmd, path), nil
}

func (e *Exec) Run(path, language string) Result {
	argv, err := e.Command(path, language)
	if err != nil {
		return Failure("%v", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = filepath.Dir(path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		res.ExitCode = 0
	case errors.As(runErr, &exitErr):
		// -1 when killed by a signal.
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = ExitCodeSentinel
		if res.Stderr != "" && !strings.HasSuffix(res.Stderr, "\n") {
			res.Stderr += "\n"
		}
		res.Stderr += fmt.Sprintf("failed to start %s: %v", argv[0], runErr)
	}
	return res
}

// DryRun never starts a process; it reports what Exec would have run.
type DryRun struct {
	exec *Exec
}

func NewDryRun(overrides map[string][]string) *DryRun {
	return &DryRun{exec: NewExec(overrides)}
}

func (d *DryRun) Run(path, language string) Result {
	argv, err := d.exec.Command(path, language)
	if err != nil {
		return Failure("%v", err)
	}
	return Result{ExitCode: 0, Stdout: "[mock] would execute: " + strings.Join(argv, " ") + "\n"}
}
