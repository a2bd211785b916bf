// Package daemon runs the task queue: the scheduler loop, the task processor
// and the process lifecycle around them.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/taskdir/internal/events"
	"github.com/msageha/taskdir/internal/lock"
	"github.com/msageha/taskdir/internal/model"
	"github.com/msageha/taskdir/internal/runner"
	"github.com/msageha/taskdir/internal/setup"
	"github.com/msageha/taskdir/internal/store"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Daemon is the long-running taskdir process for one data root.
type Daemon struct {
	root     string
	config   model.Config
	logLevel LogLevel
	logger   *log.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	watcher  *fsnotify.Watcher
	store    *store.FS
	guard    *lock.InFlight
	runner   runner.ScriptRunner
	bus      *events.Bus
	audit    *events.AuditLogger

	processor *Processor
	scheduler *Scheduler

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

// New creates a Daemon logging to <root>/logs/daemon.log.
func New(root string, cfg model.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logPath := filepath.Join(root, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	var w io.Writer = logFile
	if cfg.Logging.Stderr {
		w = io.MultiWriter(logFile, os.Stderr)
	}
	return newDaemon(root, cfg, w, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(root string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		root:     root,
		config:   cfg,
		logLevel: parseLogLevel(cfg.Logging.Level),
		logger:   log.New(w, "", 0),
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(root, "locks", "daemon.lock")),
		store:    store.NewFS(root, store.MovePolicy{MaxAttempts: cfg.Move.MaxAttempts, Delay: cfg.Move.RetryDelay()}),
		guard:    lock.NewInFlight(),
		bus:      events.NewBus(cfg.Scheduler.NotifyBufferEvents),
		ctx:      ctx,
		cancel:   cancel,
	}

	if cfg.Execution.Mode == model.ModeMock {
		d.runner = runner.NewDryRun(cfg.Runner.Interpreters)
	} else {
		d.runner = runner.NewExec(cfg.Runner.Interpreters)
	}
	return d, nil
}

// SetRunner overrides the script runner. Must be called before Run().
func (d *Daemon) SetRunner(r runner.ScriptRunner) {
	d.runner = r
}

// Bus exposes lifecycle events to callers that want to observe the daemon.
func (d *Daemon) Bus() *events.Bus {
	return d.bus
}

// ScriptsRoot is the directory script_ref values are resolved against.
func (d *Daemon) ScriptsRoot() string {
	sr := d.config.Paths.ScriptsRoot
	switch {
	case sr == "":
		return d.root
	case filepath.IsAbs(sr):
		return sr
	default:
		return filepath.Join(d.root, sr)
	}
}

// Run starts the daemon and blocks until an interrupt has been handled.
func (d *Daemon) Run() error {
	if err := d.start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// start performs setup and launches the notifier and scheduler goroutines.
// Only setup failures are returned; once running, task faults stay contained.
func (d *Daemon) start() error {
	// Step 1: Directory layout
	if err := d.store.EnsureLayout(setup.AuxDirs...); err != nil {
		d.closeLog()
		return fmt.Errorf("ensure layout: %w", err)
	}

	// Step 2: Single instance per root
	if err := d.fileLock.TryLock(); err != nil {
		d.closeLog()
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(LogLevelInfo, "daemon starting pid=%d root=%s mode=%s workers=%d",
		os.Getpid(), d.root, d.config.Execution.Mode, d.config.Execution.Workers)

	// Step 3: Audit log
	if d.config.Audit.Enabled {
		audit, err := events.NewAuditLogger(filepath.Join(d.root, "logs", "audit.jsonl"), d.config.Audit.MaxSizeMB*1024*1024)
		if err != nil {
			d.cleanup()
			return fmt.Errorf("open audit log: %w", err)
		}
		d.audit = audit
		audit.Attach(d.bus, func(err error) {
			d.log(LogLevelWarn, "audit write error=%v", err)
		})
	}

	// Step 4: fsnotify watcher on the stages the loop consumes
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	for _, st := range []store.Stage{store.StageTodo, store.StageWorking} {
		if err := watcher.Add(d.store.Dir(st)); err != nil {
			d.cleanup()
			return fmt.Errorf("watch %s: %w", st, err)
		}
	}

	// Step 5: Processor and scheduler
	d.processor = NewProcessor(d.store, d.runner, d.ScriptsRoot(), d.config.Retry, d.bus, d.logger, d.logLevel)
	d.processor.SetErrorBackoff(d.config.Scheduler.IntakeRetryDelay())
	d.scheduler = NewScheduler(d.store, d.processor, d.guard, d.config, d.bus, d.logger, d.logLevel)

	if d.config.Execution.Mode == model.ModeHost {
		if entries, err := d.store.List(store.StageWorking); err == nil && len(entries) > 0 {
			d.log(LogLevelWarn, "host mode: %d manifest(s) in working will not be executed by this process", len(entries))
		}
	}

	// Step 6: Background loops
	d.wg.Add(2)
	go d.fsnotifyLoop()
	go func() {
		defer d.wg.Done()
		d.scheduler.Run(d.ctx)
	}()

	d.log(LogLevelInfo, "daemon ready, watching %s and %s", d.store.Dir(store.StageTodo), d.store.Dir(store.StageWorking))
	return nil
}

// fsnotifyLoop turns create and move events into scheduler wake-ups.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				d.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				d.scheduler.Wake()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			// Overflow and similar errors mean events were lost; the poll covers them.
			d.log(LogLevelError, "fsnotify error=%v", err)
			d.scheduler.Wake()
		}
	}
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log(LogLevelInfo, "received signal=%s, stopping", sig)
	case <-d.ctx.Done():
	}

	// Second signal → force exit
	go func() {
		<-sigCh
		d.log(LogLevelWarn, "received second signal, forcing exit")
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown stops the notifier and the scheduler loop (idempotent). Running
// scripts are not waited for: their manifests stay in WORKING and are picked
// up again on the next start.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		// 1. Cancel context (stops submissions and interrupts retry delays)
		d.cancel()

		// 2. Stop producers
		if d.watcher != nil {
			d.watcher.Close()
		}

		// 3. Wait for the control goroutines only
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			d.log(LogLevelWarn, "control loops did not stop within 5s")
		}

		if n := d.guard.Len(); n > 0 {
			d.log(LogLevelWarn, "abandoning %d in-flight task(s): %s", n, strings.Join(d.guard.Snapshot(), ", "))
		}

		// 4. Cleanup
		d.cleanup()
		d.log(LogLevelInfo, "daemon stopped")
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	d.bus.Close()
	if d.audit != nil {
		d.audit.Close()
	}
	d.fileLock.Unlock()
	d.closeLog()
}

func (d *Daemon) closeLog() {
	if d.logFile != nil {
		d.logFile.Close()
		d.logFile = nil
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	logf(d.logger, d.logLevel, level, "daemon", format, args...)
}

// logf writes one line in the daemon log format:
// "<RFC3339> <LEVEL> <component>: <message>".
func logf(logger *log.Logger, min, level LogLevel, component, format string, args ...any) {
	if logger == nil || level < min {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	logger.Printf("%s %s %s: %s", time.Now().Format(time.RFC3339), levelStr, component, msg)
}
