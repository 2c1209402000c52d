// Package clientinfo identifies the program behind a Wayland client
// connection from the peer pid.
package clientinfo

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

var ErrInvalidPID = errors.New("clientinfo: invalid pid")

// Info describes a client process.
type Info struct {
	PID      int32  `json:"pid"`
	Program  string `json:"program"`
	Username string `json:"username,omitempty"`
}

// Lookup returns the program name of pid, as listed in the process
// status. Username is filled in when it can be resolved.
func Lookup(pid int) (Info, error) {
	if pid <= 0 {
		return Info{}, ErrInvalidPID
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return Info{}, fmt.Errorf("clientinfo: process %d: %w", pid, err)
	}

	name, err := p.Name()
	if err != nil {
		return Info{}, fmt.Errorf("clientinfo: name of %d: %w", pid, err)
	}

	info := Info{PID: p.Pid, Program: name}
	if username, err := p.Username(); err == nil {
		info.Username = username
	}
	return info, nil
}

// ProgramName is Lookup reduced to the program name. It returns "" when
// the process has already gone.
func ProgramName(pid int) string {
	info, err := Lookup(pid)
	if err != nil {
		return ""
	}
	return info.Program
}
