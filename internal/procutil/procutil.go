// Package procutil answers one question about supervisor processes: is the
// pid recorded in a run directory still the process that wrote it. Liveness
// uses a signal-0 probe; identity uses the kernel start time from procfs.
package procutil

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ProcFSAvailable reports whether /proc can be read on this host.
func ProcFSAvailable() bool {
	_, err := os.Stat("/proc/self/stat")
	return err == nil
}

// PIDAlive reports whether pid names a running, non-defunct process. EPERM
// counts as alive: the process exists, it just belongs to another user.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if defunct(pid) {
		return false
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return errors.Is(err, syscall.EPERM)
	}
	return true
}

// Stat field indexes counted from the field after comm. The comm field can
// contain spaces and parens, so parsing starts at the last ')'.
const (
	stateField     = 0  // field 3 of the full stat line
	startTimeField = 19 // field 22 of the full stat line
)

func statFields(pid int) ([]string, error) {
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return nil, err
	}
	line := string(b)
	i := strings.LastIndexByte(line, ')')
	if i < 0 || i+2 >= len(line) {
		return nil, fmt.Errorf("malformed stat line for pid %d", pid)
	}
	return strings.Fields(line[i+2:]), nil
}

func defunct(pid int) bool {
	if !ProcFSAvailable() {
		return defunctFromPS(pid)
	}
	fields, err := statFields(pid)
	if err != nil || len(fields) <= stateField {
		return false
	}
	s := fields[stateField]
	return s == "Z" || s == "X"
}

// defunctFromPS covers hosts without procfs; ps is POSIX enough for a
// single-letter state column.
func defunctFromPS(pid int) bool {
	out, err := exec.Command("ps", "-o", "state=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return false
	}
	s := strings.TrimSpace(string(out))
	return strings.HasPrefix(s, "Z") || strings.HasPrefix(s, "X")
}

// ReadPIDStartTime returns the kernel start time (clock ticks since boot)
// for pid. A pid plus its start time names one process incarnation; both
// must match before the stop command signals anything.
func ReadPIDStartTime(pid int) (uint64, error) {
	fields, err := statFields(pid)
	if err != nil {
		return 0, err
	}
	if len(fields) <= startTimeField {
		return 0, fmt.Errorf("stat line for pid %d has %d fields", pid, len(fields))
	}
	start, err := strconv.ParseUint(fields[startTimeField], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse starttime for pid %d: %w", pid, err)
	}
	return start, nil
}
