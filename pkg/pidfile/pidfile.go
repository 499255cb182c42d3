// Package pidfile keeps a single daemon instance per PID file
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

// ErrAlreadyRunning is returned by Create when the recorded process is alive
var ErrAlreadyRunning = errors.New("daemon already running")

// PIDFile represents a PID file for daemon process management
type PIDFile struct {
	path  string
	pid   int
	alive func(pid int) bool
}

// New creates a PIDFile for the current process
func New(path string) *PIDFile {
	return &PIDFile{
		path:  path,
		pid:   os.Getpid(),
		alive: procAlive,
	}
}

// procAlive reports whether /proc lists pid
func procAlive(pid int) bool {
	fs, err := procfs.NewFS(procfs.DefaultMountPoint)
	if err != nil {
		return false
	}
	_, err = fs.Proc(pid)
	return err == nil
}

// Create writes the PID file. A stale file left by a dead process is replaced.
func (p *PIDFile) Create() error {
	running, existing, err := p.CheckRunning()
	if err != nil {
		return err
	}
	if running && existing != p.pid {
		return fmt.Errorf("%w with PID %d", ErrAlreadyRunning, existing)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(fmt.Sprintf("%d\n", p.pid)), 0o644); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}
	return nil
}

// Remove deletes the PID file if it still belongs to this process
func (p *PIDFile) Remove() error {
	existing, err := p.read()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return os.Remove(p.path)
	}
	if existing != p.pid {
		return fmt.Errorf("PID file contains different PID (%d vs %d), not removing", existing, p.pid)
	}
	return os.Remove(p.path)
}

// ForceRemove deletes the PID file regardless of ownership
func (p *PIDFile) ForceRemove() error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Path returns the path to the PID file
func (p *PIDFile) Path() string {
	return p.path
}

// CheckRunning reports whether the process recorded in the file is alive
func (p *PIDFile) CheckRunning() (bool, int, error) {
	existing, err := p.read()
	if errors.Is(err, os.ErrNotExist) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	return p.alive(existing), existing, nil
}

func (p *PIDFile) read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %s", pidStr)
	}
	return pid, nil
}
