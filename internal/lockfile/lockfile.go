// Package lockfile keeps two DineFlow processes from sharing one state
// directory. The lock is an flock held on a file in that directory, so the
// kernel drops it when the process exits.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the lock file created in the state directory.
const LockFileName = "dineflow.lock"

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID     int
	Addr    string
	Started time.Time
}

func (h Holder) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d", h.PID)
	if h.Addr != "" {
		fmt.Fprintf(&b, " addr=%s", h.Addr)
	}
	if !h.Started.IsZero() {
		fmt.Fprintf(&b, " started=%s", h.Started.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// parseHolder reads the space separated key=value record written by Acquire.
// Unknown keys are skipped; a missing or invalid pid yields PID 0.
func parseHolder(content string) Holder {
	var h Holder
	for _, field := range strings.Fields(content) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				h.PID = pid
			}
		case "addr":
			h.Addr = value
		case "started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				h.Started = t
			}
		}
	}
	return h
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Acquire takes the exclusive lock on stateDir, creating the directory when
// missing. addr is recorded for operators and may be empty. A lock held by
// another process yields a *ConflictError.
func Acquire(stateDir, addr string) (*Lock, error) {
	path := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC is deferred until the flock is held so a losing process
	// cannot wipe the holder's record.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := readHolder(path)
		slog.Error("lockfile.Acquire: state directory in use", "error", err, "lock_path", path, "holder", holder.String())
		return nil, &ConflictError{Path: path, Holder: holder, Cause: err}
	}

	record := Holder{PID: os.Getpid(), Addr: addr, Started: time.Now()}
	if err := writeRecord(file, record); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("write lock file %s: %w", path, err)
	}

	slog.Info("lockfile.Acquire: state directory locked", "lock_path", path, "pid", record.PID)
	return &Lock{file: file, path: path}, nil
}

func writeRecord(file *os.File, h Holder) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(h.String()+"\n"), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.Acquire: sync failed", "error", err, "lock_path", file.Name())
	}
	return nil
}

// Release drops the lock and removes the lock file. Calling it again is a
// no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock.Release: unlock failed", "error", err, "lock_path", l.path)
	}
	closeErr := l.file.Close()
	l.file = nil
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: remove failed", "error", err, "lock_path", l.path)
	}
	slog.Info("Lock.Release: state directory unlocked", "lock_path", l.path)
	return closeErr
}

// ConflictError reports a state directory already locked by another process.
type ConflictError struct {
	Path   string
	Holder Holder
	Cause  error
}

func (e *ConflictError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another DineFlow instance is already running with state directory lock %s", e.Path)
	switch {
	case e.Holder.PID == 0:
		b.WriteString(" (holder unknown)")
	case processAlive(e.Holder.PID):
		fmt.Fprintf(&b, " (held by %s)", e.Holder)
	default:
		fmt.Fprintf(&b, " (recorded %s is not running; remove %s if no other instance uses this directory)", e.Holder, e.Path)
	}
	return b.String()
}

func (e *ConflictError) Unwrap() error { return e.Cause }

func readHolder(path string) Holder {
	data, err := os.ReadFile(path)
	if err != nil {
		return Holder{}
	}
	return parseHolder(string(data))
}

// processAlive sends signal 0, which checks existence without delivering.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
