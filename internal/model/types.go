package model

import (
	"fmt"
	"strings"
	"time"
)

// ProcState is the lifecycle state of one managed process.
type ProcState string

const (
	StateNotStarted ProcState = "not_started"
	StateRunning    ProcState = "running"
	StateStopping   ProcState = "stopping"
	StateStopped    ProcState = "stopped"
)

// Alive reports whether the state owns a live OS child.
func (s ProcState) Alive() bool {
	return s == StateRunning || s == StateStopping
}

type ExitKind string

const (
	ExitCode        ExitKind = "exited"
	ExitSignaled    ExitKind = "signaled"
	ExitSpawnFailed ExitKind = "spawn_failed"
)

// ExitInfo describes how the last run of a process ended.
type ExitInfo struct {
	Kind   ExitKind `json:"kind"`
	Code   int      `json:"code,omitempty"`
	Signal string   `json:"signal,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

func Exited(code int) ExitInfo           { return ExitInfo{Kind: ExitCode, Code: code} }
func Signaled(sig string) ExitInfo       { return ExitInfo{Kind: ExitSignaled, Signal: sig} }
func SpawnFailed(reason string) ExitInfo { return ExitInfo{Kind: ExitSpawnFailed, Reason: reason} }

func (e ExitInfo) String() string {
	switch e.Kind {
	case ExitCode:
		return fmt.Sprintf("exited %d", e.Code)
	case ExitSignaled:
		return "killed by " + e.Signal
	case ExitSpawnFailed:
		return "spawn failed: " + e.Reason
	default:
		return "unknown exit"
	}
}

// CommandKind selects how a ProcessRecord command is launched.
type CommandKind string

const (
	CommandArgv  CommandKind = "argv"
	CommandShell CommandKind = "shell"
)

// Command is either an argv vector or a single shell line run through /bin/sh -c.
type Command struct {
	Kind  CommandKind `json:"kind"`
	Argv  []string    `json:"argv,omitempty"`
	Shell string      `json:"shell,omitempty"`
}

func Argv(args ...string) Command   { return Command{Kind: CommandArgv, Argv: args} }
func ShellLine(line string) Command { return Command{Kind: CommandShell, Shell: line} }

// Args resolves the command to the argv passed to exec.
func (c Command) Args() []string {
	if c.Kind == CommandShell {
		return []string{"/bin/sh", "-c", c.Shell}
	}
	return append([]string(nil), c.Argv...)
}

func (c Command) String() string {
	if c.Kind == CommandShell {
		return c.Shell
	}
	return strings.Join(c.Argv, " ")
}

// EnvVar is one environment override. A nil Value unsets Name.
type EnvVar struct {
	Name  string  `json:"name"`
	Value *string `json:"value"`
}

const (
	StopHardKill = "hard-kill"
)

// StopPolicy controls how a running process is asked to stop.
// Signal is a signal name such as SIGTERM, or StopHardKill.
type StopPolicy struct {
	Signal string        `json:"signal,omitempty"`
	Grace  time.Duration `json:"grace,omitempty"`
}

// ProcessRecord is the immutable configuration of one managed process.
type ProcessRecord struct {
	Name      string     `json:"name"`
	Command   Command    `json:"command"`
	Env       []EnvVar   `json:"env,omitempty"`
	Dir       string     `json:"dir,omitempty"`
	Autostart bool       `json:"autostart"`
	Stop      StopPolicy `json:"stop"`
}

// ProcRef addresses a process by id or by name. Name wins when both are set.
type ProcRef struct {
	ID   uint64 `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

func (r ProcRef) IsZero() bool { return r.ID == 0 && r.Name == "" }

func (r ProcRef) String() string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("#%d", r.ID)
}

// ProcessInfo is the immutable snapshot view of one process.
type ProcessInfo struct {
	ID    uint64    `json:"id"`
	Name  string    `json:"name"`
	State ProcState `json:"state"`
	Exit  *ExitInfo `json:"exit,omitempty"`
	PID   int       `json:"pid,omitempty"`
}

// Status renders the state the way clients show it.
func (p ProcessInfo) Status() string {
	if p.State == StateStopped && p.Exit != nil {
		return p.Exit.String()
	}
	return strings.ReplaceAll(string(p.State), "_", " ")
}
