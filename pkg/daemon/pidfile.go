package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning means another live process holds this daemon's
// pidfile; the caller exits with ExitAlreadyRunning.
var ErrAlreadyRunning = errors.New("daemon already running")

// DefaultPidDir is where pidfiles are written unless overridden via the
// DMORCH_PID_DIR environment variable.
const DefaultPidDir = "/var/run/dmorch"

func pidDir() string {
	if d := os.Getenv("DMORCH_PID_DIR"); d != "" {
		return d
	}
	return DefaultPidDir
}

// AcquirePidfile writes <piddir>/<name>.pid for this process, refusing if
// a previous holder is still alive. A stale pidfile (holder gone) is
// replaced.
func (r *Runtime) AcquirePidfile(name string) error {
	dir := pidDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	path := filepath.Join(dir, name+".pid")

	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && processAlive(pid) {
			return fmt.Errorf("%w: pid %d holds %s", ErrAlreadyRunning, pid, path)
		}
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	r.pidfile = path
	return nil
}

// ReleasePidfile removes the pidfile if this runtime acquired one.
func (r *Runtime) ReleasePidfile() {
	if r.pidfile != "" {
		_ = os.Remove(r.pidfile)
		r.pidfile = ""
	}
}

// processAlive reports whether pid exists, via the null signal.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
