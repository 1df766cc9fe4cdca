// Package lock guards a repository store against concurrent writers with a
// lock file holding "host:pid" of the owner.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/process"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-vcs/pkg/failure"
)

// ErrLocked is wrapped into the failure returned when the lock is held and
// the policy does not allow waiting, or the wait timed out.
var ErrLocked = errors.New("lock: held by another process")

const DefaultPollInterval = 100 * time.Millisecond

// Policy controls what Acquire does when the lock is held.
type Policy struct {
	Wait    bool
	Timeout time.Duration // 0 waits until ctx is done
	Poll    time.Duration
}

// Lock is an acquired lock file.
type Lock struct {
	path string
}

// Acquire creates the lock file at path. A lock left by a dead process on
// this host is broken.
func Acquire(ctx context.Context, path string, policy Policy, log *logrus.Logger) (*Lock, error) {
	if log == nil {
		log = logrus.New()
	}
	if policy.Poll <= 0 {
		policy.Poll = DefaultPollInterval
	}
	var deadline <-chan time.Time
	if policy.Wait && policy.Timeout > 0 {
		timer := time.NewTimer(policy.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		err := tryCreate(path)
		if err == nil {
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, failure.Lock("lock.Acquire", fmt.Errorf("create %s: %w", path, err))
		}

		owner, _ := os.ReadFile(path)
		if stale(string(owner)) {
			broken, err := breakStale(path)
			if err != nil {
				return nil, failure.Lock("lock.Acquire", err)
			}
			if broken {
				log.WithFields(logrus.Fields{"path": path, "owner": string(owner)}).Warn("broke stale lock")
			}
			continue
		}
		if !policy.Wait {
			return nil, failure.Lock("lock.Acquire", fmt.Errorf("%w: %s", ErrLocked, strings.TrimSpace(string(owner))))
		}

		log.WithFields(logrus.Fields{"path": path, "owner": string(owner)}).Debug("waiting for lock")
		select {
		case <-ctx.Done():
			return nil, failure.Cancelled("lock.Acquire", ctx.Err())
		case <-deadline:
			return nil, failure.Lock("lock.Acquire", fmt.Errorf("%w: timed out after %s", ErrLocked, policy.Timeout))
		case <-time.After(policy.Poll):
		}
	}
}

func tryCreate(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(ownerString()); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func ownerString() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// stale reports whether owner names a process on this host that no longer
// exists. Locks from other hosts are never considered stale.
func stale(owner string) bool {
	owner = strings.TrimSpace(owner)
	i := strings.LastIndexByte(owner, ':')
	if i < 0 {
		return false
	}
	host, _ := os.Hostname()
	if owner[:i] != host {
		return false
	}
	pid, err := strconv.Atoi(owner[i+1:])
	if err != nil || pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return false
	}
	return !exists
}

// breakStale moves the lock file aside before judging it again, so a lock
// taken by another process after the owner was read is never deleted. A
// live lock moved aside by mistake is linked back in place.
func breakStale(path string) (bool, error) {
	aside := path + ".stale-" + uuid.NewString()
	if err := os.Rename(path, aside); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("move stale lock %s: %w", path, err)
	}
	owner, err := os.ReadFile(aside)
	if err != nil {
		return false, fmt.Errorf("read stale lock %s: %w", aside, err)
	}
	if stale(string(owner)) {
		if err := os.Remove(aside); err != nil {
			return false, fmt.Errorf("remove stale lock %s: %w", aside, err)
		}
		return true, nil
	}
	if err := os.Link(aside, path); err != nil {
		return false, fmt.Errorf("restore lock %s of %s: %w", path, strings.TrimSpace(string(owner)), err)
	}
	if err := os.Remove(aside); err != nil {
		return false, fmt.Errorf("remove %s: %w", aside, err)
	}
	return false, nil
}

// Release removes the lock file. Releasing twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	path := l.path
	l.path = ""
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock %s: %w", path, err)
	}
	return nil
}
