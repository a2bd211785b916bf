package store

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// MovePolicy bounds the retries of a relocation hitting a transient fault.
type MovePolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultMovePolicy retries three times, 100ms apart.
var DefaultMovePolicy = MovePolicy{MaxAttempts: 3, Delay: 100 * time.Millisecond}

var transientErrnos = []syscall.Errno{
	syscall.EBUSY,
	syscall.EACCES,
	syscall.EPERM,
	syscall.EAGAIN,
	syscall.ETXTBSY,
	syscall.EINTR,
}

// IsTransient reports whether a rename failure is worth retrying.
func IsTransient(err error) bool {
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// Move renames src to dst. Transient failures are retried under policy; a
// missing source or any other failure is returned immediately. On failure src
// is left untouched.
func Move(src, dst string, policy MovePolicy) error {
	return retryTransient(policy, func() error {
		return os.Rename(src, dst)
	})
}

func retryTransient(policy MovePolicy, op func() error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	tries := 0
	err := backoff.Retry(func() error {
		tries++
		err := op()
		if err == nil || IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(policy.Delay), uint64(attempts-1)))

	if err != nil && IsTransient(err) {
		return fmt.Errorf("move failed after %d attempts: %w", tries, err)
	}
	return err
}
