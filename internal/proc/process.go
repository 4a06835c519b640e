package proc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/g960059/procmux/internal/model"
)

const (
	DefaultGrace = 5 * time.Second
	DefaultCols  = 80
	DefaultRows  = 24

	// drainTimeout bounds how long the waiter lets the reader flush PTY output
	// after the child is reaped. Grandchildren holding the slave open would
	// otherwise keep the reader blocked forever.
	drainTimeout = 250 * time.Millisecond
	readBufSize  = 32 << 10
)

type EventKind int

const (
	EventOutput EventKind = iota + 1
	EventExit
	EventGraceExpired
	EventIOFailure
)

func (k EventKind) String() string {
	switch k {
	case EventOutput:
		return "output"
	case EventExit:
		return "exit"
	case EventGraceExpired:
		return "grace_expired"
	case EventIOFailure:
		return "io_failure"
	default:
		return "unknown"
	}
}

// Event is produced by the goroutines of one run of a process and consumed by
// its owner. Gen identifies the run.
type Event struct {
	ProcID uint64
	Gen    uint64
	Kind   EventKind
	Data   []byte
	Exit   model.ExitInfo
	Err    error
}

// Sink receives events from a process's helper goroutines. It may block.
type Sink func(Event)

type Options struct {
	Grace    time.Duration
	LogLimit int
	Cols     int
	Rows     int
	Logger   zerolog.Logger
}

// Process is one managed child bound to a PTY. It is not safe for concurrent
// use; a single owner drives every method and feeds back the events its
// helper goroutines emit through the Sink.
type Process struct {
	id     uint64
	record model.ProcessRecord
	sink   Sink
	logger zerolog.Logger

	state model.ProcState
	exit  *model.ExitInfo
	gen   uint64

	cmd  *exec.Cmd
	ptmx *os.File
	pid  int

	stopSig      syscall.Signal
	hardKill     bool
	grace        time.Duration
	graceTimer   *time.Timer
	restartArmed bool

	cols, rows uint16
	log        *OutputLog

	subscribers map[string]struct{}
}

func New(id uint64, record model.ProcessRecord, sink Sink, opts Options) (*Process, error) {
	sig, hard, err := ParseSignal(record.Stop.Signal)
	if err != nil {
		return nil, fmt.Errorf("process %q: %w", record.Name, err)
	}
	grace := record.Stop.Grace
	if grace <= 0 {
		grace = opts.Grace
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 || rows <= 0 {
		cols, rows = DefaultCols, DefaultRows
	}
	return &Process{
		id:          id,
		record:      record,
		sink:        sink,
		logger:      opts.Logger.With().Uint64("proc_id", id).Str("proc", record.Name).Logger(),
		state:       model.StateNotStarted,
		stopSig:     sig,
		hardKill:    hard,
		grace:       grace,
		cols:        uint16(cols),
		rows:        uint16(rows),
		log:         NewOutputLog(opts.LogLimit),
		subscribers: map[string]struct{}{},
	}, nil
}

func (p *Process) ID() uint64                  { return p.id }
func (p *Process) Name() string                { return p.record.Name }
func (p *Process) Record() model.ProcessRecord { return p.record }
func (p *Process) State() model.ProcState      { return p.state }
func (p *Process) Gen() uint64                 { return p.gen }
func (p *Process) RestartArmed() bool          { return p.restartArmed }
func (p *Process) Size() (cols, rows int)      { return int(p.cols), int(p.rows) }

// Info returns an immutable snapshot of the process.
func (p *Process) Info() model.ProcessInfo {
	info := model.ProcessInfo{ID: p.id, Name: p.record.Name, State: p.state}
	if p.exit != nil {
		exit := *p.exit
		info.Exit = &exit
	}
	if p.state.Alive() {
		info.PID = p.pid
	}
	return info
}

// Start spawns the command on a fresh PTY. A spawn failure still moves the
// process to Stopped and is returned wrapped in model.ErrSpawnFailure.
func (p *Process) Start() error {
	if p.state != model.StateNotStarted && p.state != model.StateStopped {
		return fmt.Errorf("%w: start %s while %s", model.ErrInvalidTransition, p.record.Name, p.state)
	}
	args := p.record.Command.Args()
	if len(args) == 0 || args[0] == "" {
		return p.spawnFailed(errors.New("empty command"))
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = p.record.Dir
	cmd.Env = MergeEnv(os.Environ(), p.record.Env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: p.cols, Rows: p.rows})
	if err != nil {
		return p.spawnFailed(err)
	}

	p.gen++
	p.cmd = cmd
	p.ptmx = ptmx
	p.pid = cmd.Process.Pid
	p.state = model.StateRunning
	p.exit = nil

	readerDone := make(chan struct{})
	go readLoop(p.id, p.gen, ptmx, p.sink, readerDone)
	go waitLoop(p.id, p.gen, cmd, ptmx, p.sink, readerDone)

	p.logger.Info().Int("pid", p.pid).Uint64("gen", p.gen).Str("cmd", p.record.Command.String()).Msg("process started")
	return nil
}

func (p *Process) spawnFailed(cause error) error {
	exit := model.SpawnFailed(cause.Error())
	p.state = model.StateStopped
	p.exit = &exit
	p.restartArmed = false
	p.logger.Warn().Err(cause).Msg("spawn failed")
	return fmt.Errorf("%w: %s: %v", model.ErrSpawnFailure, p.record.Name, cause)
}

// Stop applies the stop policy. The process moves to Stopping at once; the
// exit event moves it to Stopped.
func (p *Process) Stop() error {
	if p.state != model.StateRunning {
		return fmt.Errorf("%w: stop %s while %s", model.ErrInvalidTransition, p.record.Name, p.state)
	}
	p.state = model.StateStopping
	if p.hardKill {
		return p.killNow()
	}
	if err := signalGroup(p.pid, p.stopSig); err != nil {
		p.logger.Warn().Err(err).Str("signal", signalName(p.stopSig)).Msg("stop signal failed, killing")
		return p.killNow()
	}
	id, gen, sink := p.id, p.gen, p.sink
	p.graceTimer = time.AfterFunc(p.grace, func() {
		sink(Event{ProcID: id, Gen: gen, Kind: EventGraceExpired})
	})
	p.logger.Debug().Str("signal", signalName(p.stopSig)).Dur("grace", p.grace).Msg("stop requested")
	return nil
}

// Kill sends SIGKILL to a running or stopping process.
func (p *Process) Kill() error {
	if !p.state.Alive() {
		return fmt.Errorf("%w: kill %s while %s", model.ErrInvalidTransition, p.record.Name, p.state)
	}
	p.state = model.StateStopping
	p.restartArmed = false
	return p.killNow()
}

func (p *Process) killNow() error {
	p.cancelGrace()
	if err := signalGroup(p.pid, unix.SIGKILL); err != nil {
		return fmt.Errorf("kill %s: %w", p.record.Name, err)
	}
	return nil
}

func (p *Process) cancelGrace() {
	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
}

// Restart stops a running process and arms a start for when it exits, or
// starts a stopped one directly. Repeated restarts while stopping collapse.
func (p *Process) Restart() error {
	switch p.state {
	case model.StateRunning:
		p.restartArmed = true
		return p.Stop()
	case model.StateStopping:
		p.restartArmed = true
		return nil
	default:
		return p.Start()
	}
}

// Write sends raw input to the PTY.
func (p *Process) Write(data []byte) error {
	if p.state != model.StateRunning {
		return fmt.Errorf("%w: input to %s while %s", model.ErrInvalidTransition, p.record.Name, p.state)
	}
	if _, err := p.ptmx.Write(data); err != nil {
		return fmt.Errorf("%w: write %s: %v", model.ErrIOFailure, p.record.Name, err)
	}
	return nil
}

// Resize sets the PTY window size. It reports whether the size changed.
func (p *Process) Resize(cols, rows int) (bool, error) {
	if p.state != model.StateRunning {
		return false, fmt.Errorf("%w: resize %s while %s", model.ErrInvalidTransition, p.record.Name, p.state)
	}
	if cols <= 0 || rows <= 0 || cols > 0xffff || rows > 0xffff {
		return false, fmt.Errorf("%w: bad size %dx%d", model.ErrConfiguration, cols, rows)
	}
	if uint16(cols) == p.cols && uint16(rows) == p.rows {
		return false, nil
	}
	if err := pty.Setsize(p.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return false, fmt.Errorf("%w: resize %s: %v", model.ErrIOFailure, p.record.Name, err)
	}
	p.cols, p.rows = uint16(cols), uint16(rows)
	return true, nil
}

// AppendOutput records a chunk from the current run in the output log.
// It reports false for chunks of an older run.
func (p *Process) AppendOutput(ev Event) bool {
	if ev.Gen != p.gen {
		return false
	}
	p.log.Append(ev.Data)
	return true
}

// OutputTail returns the retained output for replay.
func (p *Process) OutputTail() []byte { return p.log.Tail() }

// GraceExpired escalates a stop that outlived its grace period.
func (p *Process) GraceExpired(gen uint64) error {
	if gen != p.gen || p.state != model.StateStopping {
		return nil
	}
	p.graceTimer = nil
	p.logger.Warn().Dur("grace", p.grace).Msg("grace period expired, killing")
	return p.killNow()
}

// IOFailed handles a PTY read failure of the current run by killing the
// child so the process is reaped as an abnormal exit.
func (p *Process) IOFailed(ev Event) error {
	if ev.Gen != p.gen || !p.state.Alive() {
		return nil
	}
	p.logger.Error().Err(ev.Err).Msg("pty read failed")
	p.state = model.StateStopping
	p.restartArmed = false
	return p.killNow()
}

// Exited records the reaped exit of the current run. It reports whether the
// event applied and whether an armed restart should now run.
func (p *Process) Exited(ev Event) (applied, restart bool) {
	if ev.Gen != p.gen || !p.state.Alive() {
		return false, false
	}
	p.cancelGrace()
	if p.ptmx != nil {
		_ = p.ptmx.Close()
	}
	exit := ev.Exit
	p.state = model.StateStopped
	p.exit = &exit
	p.cmd = nil
	p.ptmx = nil
	p.logger.Info().Str("exit", exit.String()).Uint64("gen", ev.Gen).Msg("process exited")
	restart = p.restartArmed
	p.restartArmed = false
	return true, restart
}

func (p *Process) Subscribe(sessionID string)   { p.subscribers[sessionID] = struct{}{} }
func (p *Process) Unsubscribe(sessionID string) { delete(p.subscribers, sessionID) }

func (p *Process) Subscribed(sessionID string) bool {
	_, ok := p.subscribers[sessionID]
	return ok
}

// Subscribers returns the subscribed session ids in a stable order.
func (p *Process) Subscribers() []string {
	out := make([]string, 0, len(p.subscribers))
	for id := range p.subscribers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func readLoop(id, gen uint64, ptmx *os.File, sink Sink, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, readBufSize)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			sink(Event{ProcID: id, Gen: gen, Kind: EventOutput, Data: append([]byte(nil), buf[:n]...)})
		}
		if err != nil {
			if !ptyClosed(err) {
				sink(Event{ProcID: id, Gen: gen, Kind: EventIOFailure, Err: err})
			}
			return
		}
	}
}

func waitLoop(id, gen uint64, cmd *exec.Cmd, ptmx *os.File, sink Sink, readerDone <-chan struct{}) {
	err := cmd.Wait()
	select {
	case <-readerDone:
	case <-time.After(drainTimeout):
		_ = ptmx.Close()
		<-readerDone
	}
	sink(Event{ProcID: id, Gen: gen, Kind: EventExit, Exit: exitInfo(cmd.ProcessState, err)})
}

// ptyClosed reports the errors a PTY master returns once the slave side is
// gone: EIO on Linux, EOF elsewhere.
func ptyClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, unix.EIO) || errors.Is(err, os.ErrClosed)
}

func exitInfo(state *os.ProcessState, waitErr error) model.ExitInfo {
	if state == nil {
		reason := "wait failed"
		if waitErr != nil {
			reason = waitErr.Error()
		}
		return model.ExitInfo{Kind: model.ExitCode, Code: -1, Reason: reason}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return model.Signaled(signalName(ws.Signal()))
	}
	return model.Exited(state.ExitCode())
}
