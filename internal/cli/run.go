package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/g960059/procmux/internal/client"
	"github.com/g960059/procmux/internal/config"
	"github.com/g960059/procmux/internal/console"
	"github.com/g960059/procmux/internal/daemon"
	"github.com/g960059/procmux/internal/journal"
	"github.com/g960059/procmux/internal/logging"
	"github.com/g960059/procmux/internal/supervisor"
)

type runOptions struct {
	names    []string
	headless bool
	ctl      string
}

// stack is everything a serving procmux owns, torn down in reverse.
type stack struct {
	cfg     config.Config
	logger  zerolog.Logger
	srv     *daemon.Server
	closers []io.Closer
}

func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i].Close()
	}
}

func (r *Runner) buildStack(ctx context.Context, cmds []string, opts runOptions) (*stack, error) {
	cfg, err := r.loadConfig()
	if err != nil {
		return nil, err
	}
	if len(cmds) > 0 {
		procs, err := config.FromCommands(cmds, opts.names)
		if err != nil {
			return nil, err
		}
		cfg.Procs = procs
	}
	addr, err := serverAddress(cfg)
	if err != nil {
		return nil, err
	}

	st := &stack{cfg: cfg}
	logger, logCloser, err := logging.New(logging.Options{
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
		Console: opts.headless,
		Stderr:  r.errOut,
	})
	if err != nil {
		return nil, err
	}
	st.logger = logger
	st.closers = append(st.closers, logCloser)

	supOpts := supervisor.Options{
		Logger:   logger,
		Grace:    cfg.GracePeriod,
		LogLimit: cfg.OutputRetention,
	}
	srvOpts := daemon.Options{Logger: logger}
	if cfg.JournalPath != "" {
		j, err := journal.Open(ctx, cfg.JournalPath, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
		st.closers = append(st.closers, j)
		supOpts.Recorder = j
		srvOpts.Recorder = j
	}

	sup, err := supervisor.New(cfg.Procs, supOpts)
	if err != nil {
		st.Close()
		return nil, err
	}
	st.srv = daemon.NewServer(daemon.Config{
		Address:         addr,
		MaxFrame:        cfg.MaxFrame,
		CommandTimeout:  cfg.CommandTimeout,
		ShutdownTimeout: cfg.GracePeriod + 5*time.Second,
	}, sup, srvOpts)
	logger.Info().
		Str("address", addr.String()).
		Str("config", cfg.File).
		Int("procs", len(cfg.Procs)).
		Msg("procmux configured")
	return st, nil
}

// runServer serves the configured processes. Without --headless it also runs
// the terminal console over an in-process session and quits the server when
// the console ends.
func (r *Runner) runServer(ctx context.Context, cmds []string, opts runOptions) error {
	st, err := r.buildStack(ctx, cmds, opts)
	if err != nil {
		return err
	}
	defer st.Close()

	if opts.headless {
		if err := st.srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	srvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- st.srv.Start(srvCtx) }()
	select {
	case <-st.srv.Ready():
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	conn, err := st.srv.Connect()
	if err != nil {
		st.srv.RequestQuit()
		<-errCh
		return err
	}
	c := client.New(conn, st.cfg.MaxFrame)
	defer c.Close() //nolint:errcheck

	runErr := console.New(c, console.Options{In: r.in, Out: r.out, Logger: st.logger}).Run(ctx)
	st.srv.RequestQuit()
	srvErr := <-errCh

	switch {
	case runErr == nil, errors.Is(runErr, console.ErrQuit):
	case errors.Is(runErr, context.Canceled):
		return runErr
	default:
		return fmt.Errorf("console: %w", runErr)
	}
	if srvErr != nil && !errors.Is(srvErr, context.Canceled) {
		return srvErr
	}
	return nil
}
