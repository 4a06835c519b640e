package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/g960059/procmux/internal/client"
	"github.com/g960059/procmux/internal/model"
	"github.com/g960059/procmux/internal/wire"
)

const (
	clearScreen = "\x1b[2J\x1b[H"
	commandQ    = 64
)

var (
	// ErrQuit is returned from Run when the user asked the server to quit.
	ErrQuit = errors.New("console: quit")
	// ErrDetached is returned from Run when a pinned console detaches.
	ErrDetached = errors.New("console: detached")
)

type Options struct {
	In     *os.File
	Out    io.Writer
	Prefix byte
	// Pin fixes the console on one process. The quit key then detaches
	// instead of stopping the server.
	Pin    model.ProcRef
	Logger zerolog.Logger
}

// Console is the colocated front end: raw passthrough of the selected
// process plus prefix-key process control.
type Console struct {
	c      *client.Client
	in     *os.File
	out    io.Writer
	keys   *KeyReader
	pin    model.ProcRef
	logger zerolog.Logger

	procs    []model.ProcessInfo
	selected int
	cols     int
	rows     int

	cmds     chan func(context.Context) error
	errs     chan error
	quitting bool
	detached bool
}

func New(c *client.Client, opts Options) *Console {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	return &Console{
		c:      c,
		in:     opts.In,
		out:    opts.Out,
		keys:   NewKeyReader(opts.Prefix),
		pin:    opts.Pin,
		logger: opts.Logger.With().Str("component", "console").Logger(),
		cmds:   make(chan func(context.Context) error, commandQ),
		errs:   make(chan error, commandQ),
	}
}

// Run drives the terminal until ctx ends, the server goes away or the user
// quits.
func (cn *Console) Run(ctx context.Context) error {
	procs, err := cn.c.List(ctx)
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}
	cn.procs = procs
	if !cn.pin.IsZero() {
		cn.selected = -1
		for i, p := range procs {
			if (cn.pin.Name != "" && p.Name == cn.pin.Name) || (cn.pin.Name == "" && p.ID == cn.pin.ID) {
				cn.selected = i
			}
		}
		if cn.selected < 0 {
			return fmt.Errorf("%w: %s", model.ErrUnknownProcess, cn.pin)
		}
	}

	fd := int(cn.in.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("set raw mode: %w", err)
		}
		defer term.Restore(fd, oldState) //nolint:errcheck
		if w, h, err := term.GetSize(fd); err == nil {
			cn.cols, cn.rows = w, h
		}
	}
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go cn.commandLoop(ctx)
	input := make(chan []byte, 16)
	go cn.readInput(ctx, input)

	cn.attachSelected()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cn.c.Done():
			return cn.closed()
		case env, ok := <-cn.c.Events():
			if !ok {
				return cn.closed()
			}
			cn.handleEvent(env)
			if cn.detached {
				return ErrDetached
			}
		case data, ok := <-input:
			if !ok {
				return nil
			}
			for _, step := range cn.keys.Feed(data) {
				cn.handleStep(step)
				if cn.detached {
					return ErrDetached
				}
			}
		case <-winch:
			if w, h, err := term.GetSize(fd); err == nil {
				cn.cols, cn.rows = w, h
				cn.resizeSelected()
			}
		case err := <-cn.errs:
			cn.notice(err.Error())
		}
	}
}

func (cn *Console) closed() error {
	if cn.quitting {
		return ErrQuit
	}
	if err := cn.c.Err(); err != nil {
		return err
	}
	return errors.New("console: server closed the connection")
}

func (cn *Console) readInput(ctx context.Context, out chan<- []byte) {
	defer close(out)
	buf := make([]byte, 4096)
	for {
		n, err := cn.in.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			select {
			case out <- data:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// commandLoop runs requests in order off the event loop so replies never wait
// behind undrained output.
func (cn *Console) commandLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-cn.cmds:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				select {
				case cn.errs <- err:
				default:
				}
			}
		}
	}
}

func (cn *Console) enqueue(fn func(context.Context) error) {
	select {
	case cn.cmds <- fn:
	default:
		cn.logger.Warn().Msg("command queue full, dropping keystrokes")
	}
}

func (cn *Console) current() (model.ProcessInfo, bool) {
	if cn.selected < 0 || cn.selected >= len(cn.procs) {
		return model.ProcessInfo{}, false
	}
	return cn.procs[cn.selected], true
}

func (cn *Console) handleStep(step Step) {
	cur, ok := cn.current()
	if step.Input != nil {
		if ok {
			ref := model.ProcRef{ID: cur.ID}
			data := step.Input
			cn.enqueue(func(ctx context.Context) error { return cn.c.SendInput(ctx, ref, data) })
		}
		return
	}
	switch step.Action {
	case ActionNext, ActionPrev:
		if cn.pin.IsZero() {
			cn.move(step.Action)
		}
		return
	case ActionQuit:
		if !cn.pin.IsZero() {
			cn.detached = true
			return
		}
		cn.quitting = true
		cn.enqueue(cn.c.Quit)
		return
	case ActionHelp:
		cn.notice(helpText)
		return
	}
	if !ok {
		return
	}
	ref := model.ProcRef{ID: cur.ID}
	var fn func(context.Context, model.ProcRef) (model.ProcessInfo, error)
	switch step.Action {
	case ActionStart:
		fn = cn.c.Start
	case ActionStop:
		fn = cn.c.Stop
	case ActionRestart:
		fn = cn.c.Restart
	case ActionKill:
		fn = cn.c.Kill
	default:
		return
	}
	cn.enqueue(func(ctx context.Context) error {
		_, err := fn(ctx, ref)
		return err
	})
}

func (cn *Console) move(dir Action) {
	if len(cn.procs) < 2 {
		return
	}
	if cur, ok := cn.current(); ok {
		ref := model.ProcRef{ID: cur.ID}
		cn.enqueue(func(ctx context.Context) error { return cn.c.Detach(ctx, ref) })
	}
	if dir == ActionNext {
		cn.selected = (cn.selected + 1) % len(cn.procs)
	} else {
		cn.selected = (cn.selected - 1 + len(cn.procs)) % len(cn.procs)
	}
	cn.attachSelected()
}

func (cn *Console) attachSelected() {
	_, _ = io.WriteString(cn.out, clearScreen)
	cn.drawStatus()
	cur, ok := cn.current()
	if !ok {
		return
	}
	ref := model.ProcRef{ID: cur.ID}
	cn.enqueue(func(ctx context.Context) error {
		_, err := cn.c.Attach(ctx, ref)
		return err
	})
	cn.resizeSelected()
}

func (cn *Console) resizeSelected() {
	cur, ok := cn.current()
	if !ok || cur.State != model.StateRunning || cn.cols <= 0 || cn.rows <= 0 {
		return
	}
	ref := model.ProcRef{ID: cur.ID}
	cols, rows := cn.cols, cn.rows
	cn.enqueue(func(ctx context.Context) error { return cn.c.Resize(ctx, ref, cols, rows) })
}

func (cn *Console) handleEvent(env wire.Envelope) {
	switch env.Type {
	case wire.TypeOutput:
		var p wire.OutputPayload
		if err := env.DecodePayload(&p); err != nil {
			return
		}
		if cur, ok := cn.current(); ok && cur.ID == p.ProcID {
			_, _ = cn.out.Write(p.Data)
		}
	case wire.TypeState:
		var p wire.StatePayload
		if err := env.DecodePayload(&p); err != nil {
			return
		}
		for i := range cn.procs {
			if cn.procs[i].ID != p.Process.ID {
				continue
			}
			cn.procs[i] = p.Process
			if i == cn.selected {
				cn.notice("")
				if p.Process.State == model.StateRunning {
					cn.resizeSelected()
				}
			}
		}
	case wire.TypeSnapshot:
		var p wire.SnapshotPayload
		if err := env.DecodePayload(&p); err != nil {
			return
		}
		cur, _ := cn.current()
		cn.procs = p.Processes
		cn.selected = 0
		found := false
		for i, proc := range cn.procs {
			if proc.ID == cur.ID {
				cn.selected, found = i, true
			}
		}
		if !found && !cn.pin.IsZero() {
			cn.detached = true
			return
		}
		cn.notice("")
	case wire.TypeError:
		cn.notice(wire.AsError(env).Error())
	}
}

func (cn *Console) drawStatus() {
	_, _ = io.WriteString(cn.out, RenderStatus(cn.procs, cn.selected, cn.cols)+"\r\n")
}

// notice prints the status bar, with msg when set, on a fresh line.
func (cn *Console) notice(msg string) {
	_, _ = io.WriteString(cn.out, "\r\n")
	cn.drawStatus()
	if msg != "" {
		_, _ = io.WriteString(cn.out, msg+"\r\n")
	}
}
