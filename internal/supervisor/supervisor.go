package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/g960059/procmux/internal/model"
	"github.com/g960059/procmux/internal/proc"
)

const (
	eventQueueSize  = 256
	forceKillWindow = 2 * time.Second
)

type EventKind int

const (
	EventOutput EventKind = iota + 1
	EventState
	EventSnapshot
)

// Event is what the supervisor fans out to subscribers.
type Event struct {
	Kind      EventKind
	ProcID    uint64
	Data      []byte
	Replay    bool
	Process   model.ProcessInfo
	Processes []model.ProcessInfo
}

// Subscriber is a live session as seen by the supervisor. Deliver must not
// block; returning false means the subscriber fell behind and is dropped.
type Subscriber interface {
	ID() string
	Deliver(Event) bool
}

// Recorder is notified of every state transition.
type Recorder interface {
	RecordTransition(info model.ProcessInfo)
}

type Options struct {
	Logger   zerolog.Logger
	Grace    time.Duration
	LogLimit int
	Cols     int
	Rows     int
	Recorder Recorder
}

// Supervisor owns every managed process. All state lives in the goroutine
// running Run; public methods post closures to it and wait for the result.
type Supervisor struct {
	opts   Options
	logger zerolog.Logger

	reqs   chan func()
	events chan proc.Event
	done   chan struct{}

	procs        []*proc.Process
	byID         map[uint64]*proc.Process
	byName       map[string]*proc.Process
	nextID       uint64
	subs         map[string]Subscriber
	joined       map[string]struct{}
	shuttingDown bool
	idleWaiters  []chan struct{}
}

func New(records []model.ProcessRecord, opts Options) (*Supervisor, error) {
	s := &Supervisor{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "supervisor").Logger(),
		reqs:   make(chan func()),
		events: make(chan proc.Event, eventQueueSize),
		done:   make(chan struct{}),
		byID:   map[uint64]*proc.Process{},
		byName: map[string]*proc.Process{},
		subs:   map[string]Subscriber{},
		joined: map[string]struct{}{},
	}
	for _, rec := range records {
		if _, err := s.add(rec); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrConfiguration, err)
		}
	}
	return s, nil
}

// Run drives the supervisor until ctx is done. Children still alive at that
// point are killed.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.done)
	for {
		select {
		case fn := <-s.reqs:
			fn()
		case ev := <-s.events:
			s.handleEvent(ev)
		case <-ctx.Done():
			for _, p := range s.procs {
				if p.State().Alive() {
					_ = p.Kill()
				}
			}
			return ctx.Err()
		}
	}
}

// Done is closed once Run has returned.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

func (s *Supervisor) sink(ev proc.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Supervisor) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case s.reqs <- func() { errc <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return model.ErrShuttingDown
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) add(rec model.ProcessRecord) (*proc.Process, error) {
	if rec.Name == "" {
		return nil, errors.New("process name is required")
	}
	if _, ok := s.byName[rec.Name]; ok {
		return nil, fmt.Errorf("%w: %s", model.ErrDuplicateName, rec.Name)
	}
	id := s.nextID + 1
	p, err := proc.New(id, rec, s.sink, proc.Options{
		Grace:    s.opts.Grace,
		LogLimit: s.opts.LogLimit,
		Cols:     s.opts.Cols,
		Rows:     s.opts.Rows,
		Logger:   s.opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.nextID = id
	s.procs = append(s.procs, p)
	s.byID[id] = p
	s.byName[rec.Name] = p
	return p, nil
}

func (s *Supervisor) lookup(ref model.ProcRef) (*proc.Process, error) {
	if ref.Name != "" {
		if p, ok := s.byName[ref.Name]; ok {
			return p, nil
		}
	} else if p, ok := s.byID[ref.ID]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", model.ErrUnknownProcess, ref)
}

func (s *Supervisor) snapshot() []model.ProcessInfo {
	out := make([]model.ProcessInfo, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p.Info())
	}
	return out
}

func (s *Supervisor) handleEvent(ev proc.Event) {
	p, ok := s.byID[ev.ProcID]
	if !ok {
		return
	}
	switch ev.Kind {
	case proc.EventOutput:
		if p.AppendOutput(ev) {
			s.deliverOutput(p, ev.Data, false)
		}
	case proc.EventGraceExpired:
		if err := p.GraceExpired(ev.Gen); err != nil {
			s.logger.Error().Err(err).Str("proc", p.Name()).Msg("escalation failed")
		}
	case proc.EventIOFailure:
		before := p.State()
		if err := p.IOFailed(ev); err != nil {
			s.logger.Error().Err(err).Str("proc", p.Name()).Msg("kill after io failure")
		}
		if p.State() != before {
			s.broadcastState(p)
		}
	case proc.EventExit:
		applied, restart := p.Exited(ev)
		if !applied {
			return
		}
		s.broadcastState(p)
		if restart && !s.shuttingDown {
			_ = s.start(p)
		}
		s.checkIdle()
	}
}

func (s *Supervisor) start(p *proc.Process) error {
	err := p.Start()
	if err == nil || errors.Is(err, model.ErrSpawnFailure) {
		s.broadcastState(p)
	}
	return err
}

func (s *Supervisor) deliverOutput(p *proc.Process, data []byte, replay bool) {
	for _, id := range p.Subscribers() {
		sub, ok := s.subs[id]
		if !ok {
			p.Unsubscribe(id)
			continue
		}
		s.deliver(sub, Event{Kind: EventOutput, ProcID: p.ID(), Data: data, Replay: replay})
	}
}

func (s *Supervisor) broadcastState(p *proc.Process) {
	info := p.Info()
	if s.opts.Recorder != nil {
		s.opts.Recorder.RecordTransition(info)
	}
	s.broadcast(Event{Kind: EventState, ProcID: info.ID, Process: info})
}

func (s *Supervisor) broadcastSnapshot() {
	s.broadcast(Event{Kind: EventSnapshot, Processes: s.snapshot()})
}

func (s *Supervisor) broadcast(ev Event) {
	for id := range s.joined {
		if sub, ok := s.subs[id]; ok {
			s.deliver(sub, ev)
		}
	}
}

func (s *Supervisor) deliver(sub Subscriber, ev Event) {
	if !sub.Deliver(ev) {
		s.logger.Warn().Str("session", sub.ID()).Msg("subscriber fell behind, dropping")
		s.drop(sub.ID())
	}
}

func (s *Supervisor) drop(id string) {
	delete(s.subs, id)
	delete(s.joined, id)
	for _, p := range s.procs {
		p.Unsubscribe(id)
	}
}

func (s *Supervisor) checkIdle() {
	if len(s.idleWaiters) == 0 {
		return
	}
	for _, p := range s.procs {
		if p.State().Alive() {
			return
		}
	}
	for _, ch := range s.idleWaiters {
		close(ch)
	}
	s.idleWaiters = nil
}
