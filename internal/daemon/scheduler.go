package daemon

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/taskdir/internal/events"
	"github.com/msageha/taskdir/internal/lock"
	"github.com/msageha/taskdir/internal/model"
	"github.com/msageha/taskdir/internal/store"
)

// Scheduler is the control loop: it drains WORKING into a bounded worker pool,
// promotes the oldest TODO manifest, and otherwise waits for a wake-up or the
// poll interval.
type Scheduler struct {
	store     store.Store
	processor *Processor
	guard     *lock.InFlight
	mode      model.ExecutionMode
	bus       *events.Bus
	logger    *log.Logger
	logLevel  LogLevel

	pool             *errgroup.Group
	intakeBreaker    *gobreaker.CircuitBreaker
	wakeCh           chan struct{}
	pollInterval     time.Duration
	intakeRetryDelay time.Duration

	now func() time.Time
}

// NewScheduler creates a scheduler running at most cfg.Execution.Workers
// processor invocations at once.
func NewScheduler(st store.Store, p *Processor, guard *lock.InFlight, cfg model.Config, bus *events.Bus, logger *log.Logger, logLevel LogLevel) *Scheduler {
	cfg = cfg.WithDefaults()

	pool := &errgroup.Group{}
	pool.SetLimit(cfg.Execution.Workers)

	s := &Scheduler{
		store:            st,
		processor:        p,
		guard:            guard,
		mode:             cfg.Execution.Mode,
		bus:              bus,
		logger:           logger,
		logLevel:         logLevel,
		pool:             pool,
		wakeCh:           make(chan struct{}, 1),
		pollInterval:     cfg.Scheduler.PollInterval(),
		intakeRetryDelay: cfg.Scheduler.IntakeRetryDelay(),
		now:              time.Now,
	}

	trip := uint32(cfg.Scheduler.IntakeBreakerFailures)
	s.intakeBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "intake",
		MaxRequests: 1,
		Timeout:     cfg.Scheduler.IntakeBreakerTimeout(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			level := LogLevelInfo
			if to == gobreaker.StateOpen {
				level = LogLevelError
			}
			s.log(level, "%s breaker %s → %s", name, from, to)
		},
	})
	return s
}

// Wake asks the loop to rescan now. Wake-ups coalesce; it never blocks.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Run drives the loop until ctx is done. In-flight tasks are not waited for.
func (s *Scheduler) Run(ctx context.Context) {
	s.log(LogLevelInfo, "loop started mode=%s poll=%s", s.mode, s.pollInterval)
	for ctx.Err() == nil {
		if s.Step(ctx) {
			continue
		}
		s.wait(ctx)
	}
	s.log(LogLevelInfo, "loop stopped in_flight=%d", s.guard.Len())
}

// Step runs one Drain + Intake pass and reports whether it acted on new work.
func (s *Scheduler) Step(ctx context.Context) bool {
	submitted := 0
	if s.mode != model.ModeHost {
		submitted = s.drainWorking(ctx)
	}

	res, err := s.intakeBreaker.Execute(func() (any, error) {
		return s.intake()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// Intake is paused; WORKING keeps draining.
		return submitted > 0
	}
	if err != nil {
		s.log(LogLevelError, "intake error=%v, retrying in %s", err, s.intakeRetryDelay)
		sleepCtx(ctx, s.intakeRetryDelay)
		return true
	}
	moved, _ := res.(bool)
	return submitted > 0 || moved
}

// Wait blocks until every submitted processor invocation has returned.
func (s *Scheduler) Wait() {
	_ = s.pool.Wait()
}

// drainWorking submits every WORKING manifest that is not already in flight.
// A full pool leaves the rest for a later pass; a finishing worker wakes the loop.
func (s *Scheduler) drainWorking(ctx context.Context) int {
	entries, err := s.store.List(store.StageWorking)
	if err != nil {
		s.log(LogLevelError, "list working error=%v", err)
		return 0
	}

	submitted := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		name := e.Name
		if !s.guard.TryAcquire(name) {
			continue
		}

		ok := s.pool.TryGo(func() error {
			defer s.Wake()
			defer s.guard.Release(name)
			outcome := s.processor.Process(ctx, name)
			s.log(LogLevelDebug, "processed file=%s outcome=%s", name, outcome)
			return nil
		})
		if !ok {
			s.guard.Release(name)
			s.log(LogLevelDebug, "worker pool full, deferring file=%s", name)
			break
		}
		submitted++
	}
	return submitted
}

// intake relocates the oldest TODO manifest to WORKING, or to the host
// boundary in host mode. A file that vanishes first is not an error.
func (s *Scheduler) intake() (bool, error) {
	e, ok, err := s.store.Oldest(store.StageTodo)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	dest, evType := store.StageWorking, events.EventTaskPromoted
	if s.mode == model.ModeHost {
		dest, evType = store.StageTodoHost, events.EventTaskForwarded
	}

	newName := store.UniqueName(s.store, dest, e.Name, s.now())
	if err := s.store.Relocate(store.StageTodo, e.Name, dest, newName); err != nil {
		if store.IsNotFound(err) {
			s.log(LogLevelDebug, "file=%s left todo before intake", e.Name)
			return true, nil
		}
		return false, err
	}

	if newName != e.Name {
		s.log(LogLevelWarn, "%s already holds file=%s, moved as %s", dest, e.Name, newName)
	}
	s.log(LogLevelInfo, "moved file=%s todo → %s", newName, dest)
	s.bus.Publish(events.Event{Type: evType, File: newName, Stage: string(dest)})
	return true, nil
}

func (s *Scheduler) wait(ctx context.Context) {
	t := time.NewTimer(s.pollInterval)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-s.wakeCh:
	case <-t.C:
	}
}

func (s *Scheduler) log(level LogLevel, format string, args ...any) {
	logf(s.logger, s.logLevel, level, "scheduler", format, args...)
}
