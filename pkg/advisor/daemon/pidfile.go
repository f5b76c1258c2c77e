package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrNotRunning reports that no pid file exists.
var ErrNotRunning = errors.New("advisor daemon not running")

const stopPollInterval = 100 * time.Millisecond

// ProcessStatus is what a pid file says about its process.
type ProcessStatus struct {
	PID     int
	Running bool
}

func (s ProcessStatus) String() string {
	switch {
	case s.PID == 0:
		return "not running"
	case s.Running:
		return fmt.Sprintf("running (pid %d)", s.PID)
	default:
		return fmt.Sprintf("stopped (stale pid %d)", s.PID)
	}
}

// PIDFile is the path recording a daemon's process id. The empty path
// disables pid tracking.
type PIDFile string

func (f PIDFile) path() string {
	return strings.TrimSpace(string(f))
}

// Acquire records the current pid. A file left by a dead process, or one
// that cannot be parsed, is replaced; a file naming a live process is an
// error. The returned release removes the file if it still names us.
func (f PIDFile) Acquire() (func(), error) {
	path := f.path()
	if path == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure pid directory: %w", err)
	}

	pid := os.Getpid()
	for attempt := 0; attempt < 2; attempt++ {
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(file, "%d\n", pid)
			if err := errors.Join(werr, file.Close()); err != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("write pid file: %w", err)
			}
			return func() {
				if owner, err := f.Read(); err == nil && owner == pid {
					_ = os.Remove(path)
				}
			}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create pid file: %w", err)
		}

		if status, err := f.Inspect(); err == nil && status.Running {
			return nil, fmt.Errorf("pid file %s held by running pid %d", path, status.PID)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale pid file: %w", err)
		}
	}
	return nil, fmt.Errorf("pid file %s was recreated while starting", path)
}

// Read returns the recorded pid. A missing file yields ErrNotRunning.
func (f PIDFile) Read() (int, error) {
	path := f.path()
	if path == "" {
		return 0, errors.New("pid file path is required")
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, ErrNotRunning
	}
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("parse pid file %s: invalid pid %d", path, pid)
	}
	return pid, nil
}

// Inspect reads the pid and checks whether that process is alive. A missing
// file is a zero status, not an error.
func (f PIDFile) Inspect() (ProcessStatus, error) {
	pid, err := f.Read()
	if errors.Is(err, ErrNotRunning) {
		return ProcessStatus{}, nil
	}
	if err != nil {
		return ProcessStatus{}, err
	}
	return ProcessStatus{PID: pid, Running: alive(pid)}, nil
}

// Stop signals the recorded process (SIGTERM when sig is 0) and waits for it
// to exit or for ctx to end. The pid file is removed once the process is gone.
func (f PIDFile) Stop(ctx context.Context, sig syscall.Signal) (ProcessStatus, error) {
	if sig == 0 {
		sig = syscall.SIGTERM
	}

	status, err := f.Inspect()
	if err != nil {
		return status, err
	}
	if status.PID == 0 {
		return status, ErrNotRunning
	}
	if !status.Running {
		_ = os.Remove(f.path())
		return status, nil
	}

	proc, err := os.FindProcess(status.PID)
	if err != nil {
		return status, fmt.Errorf("find process: %w", err)
	}
	if err := proc.Signal(sig); err != nil {
		return status, fmt.Errorf("signal pid %d: %w", status.PID, err)
	}

	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()
	for alive(status.PID) {
		select {
		case <-ctx.Done():
			return status, fmt.Errorf("pid %d still running: %w", status.PID, ctx.Err())
		case <-ticker.C:
		}
	}

	status.Running = false
	if owner, err := f.Read(); err == nil && owner == status.PID {
		_ = os.Remove(f.path())
	}
	return status, nil
}

// alive checks pid with signal 0. EPERM means the process exists under
// another user.
func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
