package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/msageha/taskdir/internal/events"
	"github.com/msageha/taskdir/internal/model"
	"github.com/msageha/taskdir/internal/runner"
	"github.com/msageha/taskdir/internal/store"
)

// Outcome is where a Process call left the task.
type Outcome int

const (
	// OutcomeMissing means the file was gone before it could be loaded.
	OutcomeMissing Outcome = iota
	OutcomeCompleted
	OutcomeRetrying
	OutcomeFailed
	// OutcomeQuarantined means the manifest was malformed and parked.
	OutcomeQuarantined
	// OutcomeError means persistence or relocation failed; the task stays in
	// WORKING for the next scan.
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMissing:
		return "missing"
	case OutcomeCompleted:
		return "completed"
	case OutcomeRetrying:
		return "retrying"
	case OutcomeFailed:
		return "failed"
	case OutcomeQuarantined:
		return "quarantined"
	default:
		return "error"
	}
}

// Processor runs the next attempt of one WORKING manifest and decides where it rests.
type Processor struct {
	store       store.Store
	runner      runner.ScriptRunner
	scriptsRoot string
	retry       model.RetryConfig
	bus         *events.Bus
	logger      *log.Logger
	logLevel    LogLevel
	// errorBackoff is slept before returning OutcomeError.
	errorBackoff time.Duration

	now func() time.Time
}

// NewProcessor creates a Processor resolving script_ref under scriptsRoot.
func NewProcessor(st store.Store, r runner.ScriptRunner, scriptsRoot string, retry model.RetryConfig, bus *events.Bus, logger *log.Logger, logLevel LogLevel) *Processor {
	return &Processor{
		store:       st,
		runner:      r,
		scriptsRoot: scriptsRoot,
		retry:       retry,
		bus:         bus,
		logger:      logger,
		logLevel:    logLevel,
		now:         time.Now,
	}
}

// SetErrorBackoff sets how long Process waits before reporting OutcomeError,
// so a persistent I/O fault does not spin the scheduler.
func (p *Processor) SetErrorBackoff(d time.Duration) {
	p.errorBackoff = d
}

// Process executes one attempt of the manifest named name in WORKING.
// It never panics and never returns an error: faults are logged and the task
// is left where the next scan will find it.
func (p *Processor) Process(ctx context.Context, name string) (outcome Outcome) {
	defer func() {
		if outcome == OutcomeError {
			sleepCtx(ctx, p.errorBackoff)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			p.log(LogLevelError, "panic file=%s: %v\n%s", name, r, debug.Stack())
			outcome = OutcomeError
		}
	}()

	data, err := p.store.Read(store.StageWorking, name)
	if err != nil {
		if store.IsNotFound(err) {
			p.log(LogLevelDebug, "file=%s no longer in working, assuming cancelled", name)
			return OutcomeMissing
		}
		p.log(LogLevelError, "read file=%s error=%v", name, err)
		return OutcomeError
	}

	m, err := model.DecodeManifest(name, data)
	if err != nil {
		return p.quarantine(name, err)
	}

	// Persisted as terminal but the move to DONE failed last time: finish the move only.
	if model.IsTerminal(m.Status) {
		p.log(LogLevelWarn, "file=%s task=%s already %s, relocating without re-running", name, m.ID, m.Status)
		return p.finish(name, m)
	}

	attempt := m.AttemptCount + 1
	p.bus.Publish(events.Event{Type: events.EventTaskStarted, File: name, TaskID: m.ID, Stage: string(store.StageWorking), Attempt: attempt})
	p.log(LogLevelInfo, "run file=%s task=%s attempt=%d script_ref=%s", name, m.ID, attempt, m.ScriptRef)

	script, res := p.execute(m)

	now := p.now().UTC()
	m.RecordAttempt(model.ExecutionRecord{
		Timestamp: now.Format(time.RFC3339),
		Script:    script,
		ExitCode:  res.ExitCode,
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
	})
	m.UpdatedAt = now.Format(time.RFC3339)

	next := model.StatusFailed
	switch {
	case res.Succeeded():
		next = model.StatusCompleted
	case m.ShouldRetry(p.retry.DefaultMaxRetries):
		next = model.StatusRetrying
	}
	if err := model.ValidateTransition(m.Status, next); err != nil {
		p.log(LogLevelError, "file=%s task=%s: %v", name, m.ID, err)
		return OutcomeError
	}
	m.Status = next
	if model.IsTerminal(next) {
		m.CompletedAt = m.UpdatedAt
	}

	if err := p.persist(name, m); err != nil {
		p.log(LogLevelError, "persist file=%s task=%s status=%s error=%v", name, m.ID, m.Status, err)
		return OutcomeError
	}

	if m.Status == model.StatusRetrying {
		delay := RetryDelay(p.retry, m.AttemptCount)
		p.bus.Publish(events.Event{
			Type: events.EventTaskRetrying, File: name, TaskID: m.ID, Stage: string(store.StageWorking),
			Attempt: m.AttemptCount, ExitCode: events.IntPtr(res.ExitCode), Detail: "retry in " + delay.String(),
		})
		p.log(LogLevelWarn, "retrying file=%s task=%s attempt=%d/%d exit_code=%d delay=%s",
			name, m.ID, m.AttemptCount, m.RetryLimit(p.retry.DefaultMaxRetries)+1, res.ExitCode, delay)
		sleepCtx(ctx, delay)
		return OutcomeRetrying
	}

	return p.finish(name, m)
}

// execute resolves and runs the script. Resolution failures become a
// synthetic failed result so they consume an attempt like any other failure.
func (p *Processor) execute(m *model.Manifest) (string, runner.Result) {
	script, err := p.ResolveScript(m.ScriptRef)
	if err != nil {
		return script, runner.Failure("%v", err)
	}
	return script, p.runner.Run(script, m.Language)
}

// ResolveScript maps script_ref to a file under the scripts root. References
// cannot climb out of the root: ".." segments and absolute paths are rooted.
func (p *Processor) ResolveScript(ref string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", fmt.Errorf("script not found: script_ref is empty")
	}
	path := filepath.Join(p.scriptsRoot, filepath.Clean("/"+ref))

	info, err := os.Stat(path)
	if err != nil {
		return path, fmt.Errorf("script not found: %s", path)
	}
	if info.IsDir() {
		return path, fmt.Errorf("script not found: %s is a directory", path)
	}
	return path, nil
}

func (p *Processor) persist(name string, m *model.Manifest) error {
	content, err := model.EncodeManifest(name, m)
	if err != nil {
		return err
	}
	return p.store.Write(store.StageWorking, name, content)
}

// finish moves a terminal manifest to DONE without overwriting anything there.
func (p *Processor) finish(name string, m *model.Manifest) Outcome {
	dest := store.UniqueName(p.store, store.StageDone, name, p.now())
	if err := p.store.Relocate(store.StageWorking, name, store.StageDone, dest); err != nil {
		p.log(LogLevelError, "relocate file=%s task=%s to done error=%v", name, m.ID, err)
		return OutcomeError
	}
	if dest != name {
		p.log(LogLevelWarn, "done already holds file=%s, stored as %s", name, dest)
	}

	ev := events.Event{File: dest, TaskID: m.ID, Stage: string(store.StageDone), Attempt: m.AttemptCount}
	exitCode := runner.ExitCodeSentinel
	if n := len(m.History); n > 0 {
		exitCode = m.History[n-1].ExitCode
		ev.ExitCode = events.IntPtr(exitCode)
	}
	if m.Status == model.StatusCompleted {
		ev.Type = events.EventTaskCompleted
		p.bus.Publish(ev)
		p.log(LogLevelInfo, "completed file=%s task=%s attempts=%d", dest, m.ID, m.AttemptCount)
		return OutcomeCompleted
	}
	ev.Type = events.EventTaskFailed
	p.bus.Publish(ev)
	p.log(LogLevelWarn, "failed file=%s task=%s attempts=%d exit_code=%d", dest, m.ID, m.AttemptCount, exitCode)
	return OutcomeFailed
}

// quarantine parks a malformed manifest in DONE under a marked name with its
// content untouched. If that fails it is renamed in place with a .bad suffix,
// which takes it out of the scan.
func (p *Processor) quarantine(name string, cause error) Outcome {
	now := p.now()
	dest := store.UniqueMarkedName(p.store, store.StageDone, name, now)
	err := p.store.Relocate(store.StageWorking, name, store.StageDone, dest)
	if err == nil {
		p.log(LogLevelWarn, "quarantined file=%s → done/%s reason=%v", name, dest, cause)
		p.bus.Publish(events.Event{Type: events.EventTaskQuarantined, File: dest, Stage: string(store.StageDone), Detail: cause.Error()})
		return OutcomeQuarantined
	}
	if store.IsNotFound(err) {
		return OutcomeMissing
	}
	p.log(LogLevelError, "quarantine file=%s to done error=%v", name, err)

	bad := name + store.BadSuffix
	if p.store.Exists(store.StageWorking, bad) {
		bad = store.MarkedName(name, now) + store.BadSuffix
	}
	if err := p.store.Relocate(store.StageWorking, name, store.StageWorking, bad); err != nil {
		p.log(LogLevelError, "mark bad file=%s error=%v", name, err)
		return OutcomeError
	}
	p.log(LogLevelWarn, "marked file=%s as working/%s reason=%v", name, bad, cause)
	p.bus.Publish(events.Event{Type: events.EventTaskQuarantined, File: bad, Stage: string(store.StageWorking), Detail: cause.Error()})
	return OutcomeQuarantined
}

func (p *Processor) log(level LogLevel, format string, args ...any) {
	logf(p.logger, p.logLevel, level, "processor", format, args...)
}
