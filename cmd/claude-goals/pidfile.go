package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/afero"
)

// pidFile guards against running two daemons against one data directory
type pidFile struct {
	fs    afero.Fs
	path  string
	alive func(pid int) bool
}

func newPIDFile(path string) pidFile {
	return pidFile{fs: afero.NewOsFs(), path: path, alive: processAlive}
}

// Running reports the recorded PID if that process still exists.
func (p pidFile) Running() (int, bool) {
	data, err := afero.ReadFile(p.fs, p.path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	if !p.alive(pid) {
		return 0, false
	}
	return pid, true
}

// Acquire records pid, failing when another live process holds the file.
// A stale file left by a crashed daemon is overwritten.
func (p pidFile) Acquire(pid int) error {
	if other, running := p.Running(); running && other != pid {
		return fmt.Errorf("daemon already running (PID %d)", other)
	}
	if err := afero.WriteFile(p.fs, p.path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	return nil
}

// Release removes the file if it still records pid.
func (p pidFile) Release(pid int) error {
	data, err := afero.ReadFile(p.fs, p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if strings.TrimSpace(string(data)) != strconv.Itoa(pid) {
		return nil
	}
	return p.fs.Remove(p.path)
}

func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds, so send signal 0 to check if alive
	return process.Signal(syscall.Signal(0)) == nil
}
