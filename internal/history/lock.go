package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"monthlyload/internal/config"
	"monthlyload/pkg/errors"
)

const lockFileName = "monthlyload.lock"

// RunLock is held for the duration of a run. At most one run is active per
// state directory.
type RunLock struct {
	path string
}

type lockInfo struct {
	PID      int       `json:"pid"`
	Host     string    `json:"host"`
	Acquired time.Time `json:"acquired"`
}

// Lock creates the lock file exclusively and reloads the run records. It
// fails with ErrCodeRunLocked while another process holds the lock. A lock
// left behind by a dead process on this host is removed once.
func (s *Store) Lock() (*RunLock, error) {
	path := filepath.Join(s.stateDir, lockFileName)

	lock, err := createLock(path)
	if os.IsExist(err) {
		holder, readErr := readLock(path)
		if readErr == nil && holder.stale() {
			logrus.WithFields(logrus.Fields{
				"lock_file": path,
				"pid":       holder.PID,
				"acquired":  holder.Acquired.Format(time.RFC3339),
			}).Warn("removing stale run lock")
			if rmErr := os.Remove(path); rmErr == nil || os.IsNotExist(rmErr) {
				lock, err = createLock(path)
			}
		}
	}
	if err != nil {
		if os.IsExist(err) {
			return nil, lockedError(path)
		}
		return nil, errors.Wrap(err, errors.ErrCodeFileOperation, "failed to create lock file").
			WithContext("lock_file", path)
	}

	if err := s.Reload(); err != nil {
		lock.Unlock()
		return nil, err
	}
	return lock, nil
}

func createLock(path string) (*RunLock, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, config.FilePermissionSecure)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	host, _ := os.Hostname()
	info := lockInfo{PID: os.Getpid(), Host: host, Acquired: time.Now().UTC()}
	if err := json.NewEncoder(f).Encode(info); err != nil {
		os.Remove(path)
		return nil, errors.Wrap(err, errors.ErrCodeFileOperation, "failed to write lock file").
			WithContext("lock_file", path)
	}
	return &RunLock{path: path}, nil
}

func lockedError(path string) error {
	appErr := errors.New(errors.ErrCodeRunLocked, "another run is in progress").
		WithContext("lock_file", path).
		WithSuggestions(
			"Wait for the active run to finish",
			"Remove the lock file if no run is active",
		)
	if holder, err := readLock(path); err == nil {
		appErr.WithContext("pid", holder.PID).
			WithContext("host", holder.Host).
			WithContext("acquired", holder.Acquired.Format(time.RFC3339))
	}
	return appErr
}

// stale reports whether the holder ran on this host and is gone. Locks of
// other hosts are never considered stale.
func (l *lockInfo) stale() bool {
	host, err := os.Hostname()
	if err != nil || l.Host != host {
		return false
	}
	return l.PID <= 0 || !processAlive(l.PID)
}

// Unlock removes the lock file. Unlocking twice is a no-op.
func (l *RunLock) Unlock() error {
	if l == nil || l.path == "" {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "failed to remove lock file").
			WithContext("lock_file", l.path)
	}
	l.path = ""
	return nil
}

func readLock(path string) (*lockInfo, error) {
	data, err := os.ReadFile(path) // #nosec G304 - fixed name under the state dir
	if err != nil {
		return nil, err
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
