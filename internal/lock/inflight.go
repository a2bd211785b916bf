package lock

import "sync"

// InFlight is the concurrency guard: it records which task files have a
// processor invocation running so the scheduler never submits one twice.
// A name is held from submission until its invocation returns.
type InFlight struct {
	mu    sync.Mutex
	names map[string]struct{}
}

func NewInFlight() *InFlight {
	return &InFlight{names: make(map[string]struct{})}
}

// TryAcquire marks name as in flight. It returns false if it already was.
func (f *InFlight) TryAcquire(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, busy := f.names[name]; busy {
		return false
	}
	f.names[name] = struct{}{}
	return true
}

// Release clears name. Releasing a name that is not held is a no-op.
func (f *InFlight) Release(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.names, name)
}

func (f *InFlight) Has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.names[name]
	return ok
}

func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.names)
}

// Snapshot returns the names currently held, in no particular order.
func (f *InFlight) Snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.names))
	for name := range f.names {
		out = append(out, name)
	}
	return out
}
