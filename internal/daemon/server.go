package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/g960059/procmux/internal/model"
	"github.com/g960059/procmux/internal/supervisor"
	"github.com/g960059/procmux/internal/transport"
	"github.com/g960059/procmux/internal/wire"
)

const (
	defaultCommandTimeout  = 5 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	sessionQueueSize       = 1024
)

var ErrAlreadyRunning = errors.New("another server holds the socket lock")

// CommandRecorder is told about every command a session applies.
type CommandRecorder interface {
	RecordCommand(sessionID, kind string, ref model.ProcRef, detail, errCode string)
}

type Config struct {
	Address         transport.Address
	MaxFrame        int
	CommandTimeout  time.Duration
	ShutdownTimeout time.Duration
}

type Options struct {
	Logger   zerolog.Logger
	Recorder CommandRecorder
}

// Server binds one Supervisor to any number of sessions: the in-process pair
// used by the colocated front end plus everything accepted on the listener.
type Server struct {
	cfg      Config
	sup      *supervisor.Supervisor
	logger   zerolog.Logger
	recorder CommandRecorder
	serverID string

	mu       sync.Mutex
	listener net.Listener
	lock     *flock.Flock
	sessions map[string]*session
	wg       sync.WaitGroup

	ready    chan struct{}
	quit     chan struct{}
	quitOnce sync.Once

	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg Config, sup *supervisor.Supervisor, opts Options) *Server {
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = wire.DefaultMaxFrame
	}
	cfg.MaxFrame = max(cfg.MaxFrame, wire.MinMaxFrame)
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Server{
		cfg:      cfg,
		sup:      sup,
		logger:   opts.Logger.With().Str("component", "server").Logger(),
		recorder: opts.Recorder,
		serverID: uuid.NewString(),
		sessions: map[string]*session{},
		ready:    make(chan struct{}),
		quit:     make(chan struct{}),
	}
}

// Ready is closed once the listener accepts connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr is the bound listener address, useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// RequestQuit asks Start to stop every process and return.
func (s *Server) RequestQuit() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// Start runs the supervisor, autostarts processes and serves sessions until
// ctx is done or a quit is requested. Running processes are stopped before it
// returns.
func (s *Server) Start(ctx context.Context) error {
	supCtx, cancelSup := context.WithCancel(context.Background())
	defer cancelSup()
	supErr := make(chan error, 1)
	go func() { supErr <- s.sup.Run(supCtx) }()

	ln, err := s.listen()
	if err != nil {
		cancelSup()
		<-supErr
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info().Str("addr", s.cfg.Address.String()).Str("server_id", s.serverID).Msg("listening")

	acceptErr := make(chan error, 1)
	go func() { acceptErr <- s.acceptLoop(ln) }()
	close(s.ready)

	if err := s.sup.Autostart(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Msg("autostart")
	}

	var result error
	select {
	case <-ctx.Done():
		result = ctx.Err()
	case <-s.quit:
		s.logger.Info().Msg("quit requested")
	case err := <-acceptErr:
		if err != nil {
			result = fmt.Errorf("serve %s: %w", s.cfg.Address, err)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.sup.Shutdown(stopCtx); err != nil {
		s.logger.Warn().Err(err).Msg("processes did not stop in time")
	}
	if err := s.Shutdown(stopCtx); err != nil && result == nil {
		result = err
	}
	cancelSup()
	<-supErr
	return result
}

func (s *Server) listen() (net.Listener, error) {
	addr := s.cfg.Address
	if addr.Network != transport.NetworkUnix {
		ln, err := net.Listen(addr.Network, addr.Addr)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		return ln, nil
	}

	path := addr.Addr
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(path + ".lock"); err != nil {
		return nil, err
	}
	if st, err := os.Lstat(path); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return nil, fmt.Errorf("socket path exists and is not unix socket: %s", path)
		}
		if err := os.Remove(path); err != nil {
			s.releaseLock() //nolint:errcheck
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return nil, fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return nil, fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

func (s *Server) acquireLock(path string) error {
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, path)
	}
	s.lock = lock
	return nil
}

func (s *Server) releaseLock() error {
	if s.lock == nil {
		return nil
	}
	err := s.lock.Unlock()
	s.lock = nil
	return err
}

func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		if _, ok := conn.(*net.UnixConn); ok {
			if err := verifyPeer(conn); err != nil {
				s.logger.Warn().Err(err).Msg("rejecting unix peer")
				_ = conn.Close()
				continue
			}
		}
		s.serve(conn)
	}
}

// Connect returns the client end of an in-process session.
func (s *Server) Connect() (net.Conn, error) {
	serverEnd, clientEnd, err := transport.Pair()
	if err != nil {
		return nil, err
	}
	s.serve(serverEnd)
	return clientEnd, nil
}

func (s *Server) serve(conn net.Conn) {
	ss := newSession(s, conn)
	s.mu.Lock()
	s.sessions[ss.id] = ss
	s.mu.Unlock()
	ss.logger.Debug().Str("remote", remoteName(conn)).Msg("session opened")

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		ss.writeLoop()
	}()
	go func() {
		defer s.wg.Done()
		ss.readLoop()
		s.forget(ss)
	}()
}

func (s *Server) forget(ss *session) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CommandTimeout)
	defer cancel()
	if err := s.sup.Leave(ctx, ss.id); err != nil && !errors.Is(err, model.ErrShuttingDown) {
		ss.logger.Debug().Err(err).Msg("leave")
	}
	s.mu.Lock()
	delete(s.sessions, ss.id)
	s.mu.Unlock()
	ss.logger.Debug().Msg("session closed")
}

// SessionCount reports the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown closes the listener and every session. It does not stop processes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		sessions := make([]*session, 0, len(s.sessions))
		for _, ss := range s.sessions {
			sessions = append(sessions, ss)
		}
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		for _, ss := range sessions {
			ss.flushAndClose()
		}

		waited := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}

		if s.cfg.Address.Network == transport.NetworkUnix && s.lock != nil {
			if err := os.Remove(s.cfg.Address.Addr); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		s.shutdownErr = errors.Join(errs...)
	})
	return s.shutdownErr
}

func (s *Server) recordCommand(sessionID, kind string, ref model.ProcRef, detail string, err error) {
	if s.recorder == nil {
		return
	}
	code := ""
	if err != nil {
		code = model.ErrorCode(err)
	}
	s.recorder.RecordCommand(sessionID, kind, ref, detail, code)
}

func remoteName(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return "local"
}
