package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ProcessLockFile is the name of the coordinator lock inside the state dir
const ProcessLockFile = "coordinator.lock"

// ProcessLock is the on-disk record of the coordinator process that owns a
// codebase's state directory. Only one coordinator may drive fix sessions
// against a codebase at a time.
type ProcessLock struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	WorkDir   string    `json:"work_dir"`
}

// AcquireExclusiveLock claims stateDir for this process. A lock left by a
// process that no longer exists on this host is treated as stale and
// replaced. Returns the lock file path for ReleaseExclusiveLock.
func AcquireExclusiveLock(stateDir, workDir string) (lockPath string, err error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}
	lockPath = filepath.Join(stateDir, ProcessLockFile)

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	data, err := json.MarshalIndent(ProcessLock{
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		WorkDir:   workDir,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal lock: %w", err)
	}

	// Two passes: the second runs after removing a stale lock
	for i := 0; i < 2; i++ {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			_, werr := f.Write(data)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(lockPath)
				return "", fmt.Errorf("failed to write coordinator lock: %w", errors.Join(werr, cerr))
			}
			return lockPath, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("failed to create coordinator lock: %w", err)
		}

		existing, rerr := readProcessLock(lockPath)
		if rerr == nil && isProcessAlive(existing.PID, existing.Hostname) {
			return "", fmt.Errorf("another coordinator is already running (PID %d on %s, started %s)",
				existing.PID, existing.Hostname, existing.StartedAt.Format(time.RFC3339))
		}
		// Stale or unreadable lock - remove and retry
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to remove stale coordinator lock: %w", err)
		}
	}
	return "", fmt.Errorf("failed to acquire coordinator lock %s", lockPath)
}

// ReleaseExclusiveLock removes the lock file. Safe to call with "".
func ReleaseExclusiveLock(lockPath string) error {
	if lockPath == "" {
		return nil
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove coordinator lock: %w", err)
	}
	return nil
}

func readProcessLock(path string) (*ProcessLock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var l ProcessLock
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// isProcessAlive checks if pid exists on hostname. Processes on other hosts
// cannot be checked and are assumed alive.
func isProcessAlive(pid int, hostname string) bool {
	currentHost, err := os.Hostname()
	if err != nil {
		return true
	}
	if !strings.EqualFold(hostname, currentHost) {
		return true
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 only checks existence; EPERM means it exists but is not ours
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
