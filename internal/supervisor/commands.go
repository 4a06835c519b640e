package supervisor

import (
	"context"
	"fmt"

	"github.com/g960059/procmux/internal/model"
	"github.com/g960059/procmux/internal/proc"
)

// Join registers sub for state and snapshot broadcasts and returns the
// current snapshot atomically with the registration.
func (s *Supervisor) Join(ctx context.Context, sub Subscriber) ([]model.ProcessInfo, error) {
	var out []model.ProcessInfo
	err := s.do(ctx, func() error {
		s.subs[sub.ID()] = sub
		s.joined[sub.ID()] = struct{}{}
		out = s.snapshot()
		return nil
	})
	return out, err
}

// Leave forgets a session entirely. Process state is untouched.
func (s *Supervisor) Leave(ctx context.Context, sessionID string) error {
	return s.do(ctx, func() error {
		s.drop(sessionID)
		return nil
	})
}

func (s *Supervisor) Snapshot(ctx context.Context) ([]model.ProcessInfo, error) {
	var out []model.ProcessInfo
	err := s.do(ctx, func() error {
		out = s.snapshot()
		return nil
	})
	return out, err
}

// Attach subscribes sub to a process's output. The retained tail is replayed
// before any live output.
func (s *Supervisor) Attach(ctx context.Context, sub Subscriber, ref model.ProcRef) (model.ProcessInfo, error) {
	var info model.ProcessInfo
	err := s.do(ctx, func() error {
		p, err := s.lookup(ref)
		if err != nil {
			return err
		}
		s.subs[sub.ID()] = sub
		if !p.Subscribed(sub.ID()) {
			p.Subscribe(sub.ID())
			if tail := p.OutputTail(); len(tail) > 0 {
				s.deliver(sub, Event{Kind: EventOutput, ProcID: p.ID(), Data: tail, Replay: true})
			}
		}
		info = p.Info()
		return nil
	})
	return info, err
}

func (s *Supervisor) Detach(ctx context.Context, sessionID string, ref model.ProcRef) error {
	return s.do(ctx, func() error {
		p, err := s.lookup(ref)
		if err != nil {
			return err
		}
		p.Unsubscribe(sessionID)
		if _, joined := s.joined[sessionID]; !joined && !s.attachedAnywhere(sessionID) {
			delete(s.subs, sessionID)
		}
		return nil
	})
}

func (s *Supervisor) attachedAnywhere(sessionID string) bool {
	for _, p := range s.procs {
		if p.Subscribed(sessionID) {
			return true
		}
	}
	return false
}

// Start launches a process in NotStarted or Stopped state.
func (s *Supervisor) Start(ctx context.Context, ref model.ProcRef) (model.ProcessInfo, error) {
	return s.apply(ctx, ref, func(p *proc.Process) error {
		if s.shuttingDown {
			return model.ErrShuttingDown
		}
		return s.start(p)
	})
}

func (s *Supervisor) Stop(ctx context.Context, ref model.ProcRef) (model.ProcessInfo, error) {
	return s.apply(ctx, ref, func(p *proc.Process) error {
		return s.transition(p, p.Stop)
	})
}

func (s *Supervisor) Kill(ctx context.Context, ref model.ProcRef) (model.ProcessInfo, error) {
	return s.apply(ctx, ref, func(p *proc.Process) error {
		return s.transition(p, p.Kill)
	})
}

func (s *Supervisor) Restart(ctx context.Context, ref model.ProcRef) (model.ProcessInfo, error) {
	return s.apply(ctx, ref, func(p *proc.Process) error {
		if s.shuttingDown {
			return model.ErrShuttingDown
		}
		switch p.State() {
		case model.StateRunning:
			return s.transition(p, p.Restart)
		case model.StateStopping:
			return p.Restart()
		default:
			return s.start(p)
		}
	})
}

func (s *Supervisor) SendInput(ctx context.Context, ref model.ProcRef, data []byte) error {
	_, err := s.apply(ctx, ref, func(p *proc.Process) error {
		return p.Write(data)
	})
	return err
}

// Resize applies a window size to a running process. The size sticks for
// later restarts.
func (s *Supervisor) Resize(ctx context.Context, ref model.ProcRef, cols, rows int) error {
	_, err := s.apply(ctx, ref, func(p *proc.Process) error {
		_, err := p.Resize(cols, rows)
		return err
	})
	return err
}

// Add appends a new process. Autostart records are started at once.
func (s *Supervisor) Add(ctx context.Context, rec model.ProcessRecord) (model.ProcessInfo, error) {
	var info model.ProcessInfo
	err := s.do(ctx, func() error {
		if s.shuttingDown {
			return model.ErrShuttingDown
		}
		p, err := s.add(rec)
		if err != nil {
			return err
		}
		s.logger.Info().Str("proc", rec.Name).Uint64("proc_id", p.ID()).Msg("process added")
		s.broadcastSnapshot()
		if rec.Autostart {
			_ = s.start(p)
		}
		info = p.Info()
		return nil
	})
	return info, err
}

// Remove deletes a process that has no live child.
func (s *Supervisor) Remove(ctx context.Context, ref model.ProcRef) error {
	return s.do(ctx, func() error {
		p, err := s.lookup(ref)
		if err != nil {
			return err
		}
		if p.State().Alive() {
			return fmt.Errorf("%w: remove %s while %s", model.ErrInvalidTransition, p.Name(), p.State())
		}
		delete(s.byID, p.ID())
		delete(s.byName, p.Name())
		for i, q := range s.procs {
			if q == p {
				s.procs = append(s.procs[:i], s.procs[i+1:]...)
				break
			}
		}
		s.logger.Info().Str("proc", p.Name()).Uint64("proc_id", p.ID()).Msg("process removed")
		s.broadcastSnapshot()
		return nil
	})
}

// Autostart starts every NotStarted process whose record asks for it.
// Spawn failures are recorded as state, not returned.
func (s *Supervisor) Autostart(ctx context.Context) error {
	return s.do(ctx, func() error {
		for _, p := range s.procs {
			if p.Record().Autostart && p.State() == model.StateNotStarted {
				_ = s.start(p)
			}
		}
		return nil
	})
}

// Shutdown stops every running process and waits for all of them to be
// reaped. When ctx expires first the survivors are killed.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	idle := make(chan struct{})
	err := s.do(ctx, func() error {
		s.shuttingDown = true
		for _, p := range s.procs {
			if p.State() != model.StateRunning {
				continue
			}
			if err := s.transition(p, p.Stop); err != nil {
				s.logger.Warn().Err(err).Str("proc", p.Name()).Msg("stop on shutdown")
			}
		}
		s.idleWaiters = append(s.idleWaiters, idle)
		s.checkIdle()
		return nil
	})
	if err != nil {
		return err
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
	}

	killCtx, cancel := context.WithTimeout(context.Background(), forceKillWindow)
	defer cancel()
	_ = s.do(killCtx, func() error {
		for _, p := range s.procs {
			if p.State().Alive() {
				_ = p.Kill()
			}
		}
		return nil
	})
	select {
	case <-idle:
	case <-killCtx.Done():
	}
	return ctx.Err()
}

// transition runs fn and broadcasts the new state when it changed.
func (s *Supervisor) transition(p *proc.Process, fn func() error) error {
	before := p.State()
	err := fn()
	if p.State() != before {
		s.broadcastState(p)
	}
	return err
}

func (s *Supervisor) apply(ctx context.Context, ref model.ProcRef, fn func(*proc.Process) error) (model.ProcessInfo, error) {
	var info model.ProcessInfo
	err := s.do(ctx, func() error {
		p, err := s.lookup(ref)
		if err != nil {
			return err
		}
		err = fn(p)
		info = p.Info()
		return err
	})
	return info, err
}
