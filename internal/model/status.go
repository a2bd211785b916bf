package model

import "fmt"

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusRetrying  Status = "RETRYING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
}

// Manifest status transitions: PENDING → RUNNING → {COMPLETED | RETRYING → RUNNING → … | FAILED}.
// RETRYING may also resolve directly to a terminal status since RUNNING is never persisted.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusRetrying:  true,
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusRunning: {
		StatusRetrying:  true,
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusRetrying: {
		StatusRunning:   true,
		StatusRetrying:  true,
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

// Normalize maps the implicit empty status to PENDING.
func (s Status) Normalize() Status {
	if s == "" {
		return StatusPending
	}
	return s
}

func (s Status) Valid() bool {
	switch s.Normalize() {
	case StatusPending, StatusRunning, StatusRetrying, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

func ValidateTransition(from, to Status) error {
	from, to = from.Normalize(), to.Normalize()
	if IsTerminal(from) {
		return fmt.Errorf("invalid transition from terminal status %s to %s", from, to)
	}
	if allowed, ok := validTransitions[from]; ok && allowed[to] {
		return nil
	}
	return fmt.Errorf("invalid status transition: %s → %s", from, to)
}
