package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/g960059/procmux/internal/client"
	"github.com/g960059/procmux/internal/config"
	"github.com/g960059/procmux/internal/transport"
)

const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

type Options struct {
	Config config.Config
	// ConfigErr is the error from loading Config, if any. Every other check
	// is skipped when set.
	ConfigErr error
}

type Check struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type Result struct {
	OK       bool     `json:"ok"`
	Checks   []Check  `json:"checks"`
	Warnings []string `json:"warnings,omitempty"`
}

// Run inspects the configuration and the local server.
func Run(ctx context.Context, opts Options) Result {
	out := Result{OK: true}
	add := func(c Check) {
		out.Checks = append(out.Checks, c)
		if c.Status == StatusWarn {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
		}
		if c.Status == StatusFail {
			out.OK = false
		}
	}

	if opts.ConfigErr != nil {
		add(Check{Name: "config", Status: StatusFail, Message: opts.ConfigErr.Error()})
		return out
	}
	cfg := opts.Config
	add(checkConfig(cfg))

	addr, err := transport.Parse(cfg.Server, cfg.SocketPath)
	if err != nil {
		add(Check{Name: "server", Status: StatusFail, Message: err.Error(), Path: cfg.Server})
		return out
	}
	server := checkServer(ctx, addr, cfg.ConnectTimeout)
	add(server)
	if addr.Network == transport.NetworkUnix {
		add(checkDir("socket_dir", filepath.Dir(addr.Addr)))
		add(checkLock(addr.Addr+".lock", server.Status == StatusPass))
	}
	if cfg.LogFile != "" {
		add(checkDir("log_dir", filepath.Dir(cfg.LogFile)))
	}
	if cfg.JournalPath != "" {
		add(checkDir("journal_dir", filepath.Dir(cfg.JournalPath)))
	}
	return out
}

func checkConfig(cfg config.Config) Check {
	if cfg.File == "" {
		return Check{Name: "config", Status: StatusWarn, Message: "no config file, using defaults"}
	}
	if len(cfg.Procs) == 0 {
		return Check{Name: "config", Status: StatusWarn, Message: "config declares no processes", Path: cfg.File}
	}
	return Check{Name: "config", Status: StatusPass, Message: fmt.Sprintf("%d processes", len(cfg.Procs)), Path: cfg.File}
}

func checkServer(ctx context.Context, addr transport.Address, timeout time.Duration) Check {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	c, err := client.Dial(ctx, addr, 0)
	if err != nil {
		return Check{Name: "server", Status: StatusWarn, Message: "not running", Path: addr.String()}
	}
	defer c.Close() //nolint:errcheck
	procs, err := c.List(ctx)
	if err != nil {
		return Check{Name: "server", Status: StatusFail, Message: fmt.Sprintf("list failed: %v", err), Path: addr.String()}
	}
	return Check{Name: "server", Status: StatusPass, Message: fmt.Sprintf("running, %d processes", len(procs)), Path: addr.String()}
}

// checkLock flags a lock held by a process that no longer answers on the
// socket.
func checkLock(path string, serverUp bool) Check {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Check{Name: "socket_lock", Status: StatusPass, Message: "free", Path: path}
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return Check{Name: "socket_lock", Status: StatusFail, Message: fmt.Sprintf("lock error: %v", err), Path: path}
	}
	if ok {
		_ = lock.Unlock()
		return Check{Name: "socket_lock", Status: StatusPass, Message: "free", Path: path}
	}
	if serverUp {
		return Check{Name: "socket_lock", Status: StatusPass, Message: "held by the running server", Path: path}
	}
	return Check{Name: "socket_lock", Status: StatusFail, Message: "held but the server does not answer", Path: path}
}

func checkDir(name, dir string) Check {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Check{Name: name, Status: StatusWarn, Message: "missing, created on start", Path: dir}
		}
		return Check{Name: name, Status: StatusFail, Message: fmt.Sprintf("stat error: %v", err), Path: dir}
	}
	if !info.IsDir() {
		return Check{Name: name, Status: StatusFail, Message: "not a directory", Path: dir}
	}
	probe, err := os.CreateTemp(dir, ".procmux-doctor-*")
	if err != nil {
		return Check{Name: name, Status: StatusFail, Message: "not writable", Path: dir}
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())
	return Check{Name: name, Status: StatusPass, Message: "writable", Path: dir}
}
