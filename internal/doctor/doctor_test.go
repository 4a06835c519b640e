package doctor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/procmux/internal/config"
	"github.com/g960059/procmux/internal/daemon"
	"github.com/g960059/procmux/internal/model"
	"github.com/g960059/procmux/internal/supervisor"
	"github.com/g960059/procmux/internal/testutil"
	"github.com/g960059/procmux/internal/transport"
)

func find(t *testing.T, res Result, name string) Check {
	t.Helper()
	for _, c := range res.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q missing from %+v", name, res.Checks)
	return Check{}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.SocketPath = testutil.ShortSocketPath(t, "procmux-doc")
	cfg.LogFile = filepath.Join(dir, "logs", "procmux.log")
	cfg.JournalPath = filepath.Join(dir, "journal.db")
	cfg.ConnectTimeout = time.Second
	return cfg
}

func TestConfigErrorFailsFast(t *testing.T) {
	res := Run(context.Background(), Options{ConfigErr: errors.New("bad yaml")})
	assert.False(t, res.OK)
	require.Len(t, res.Checks, 1)
	assert.Equal(t, StatusFail, res.Checks[0].Status)
	assert.Equal(t, "bad yaml", res.Checks[0].Message)
}

func TestNoServerOnlyWarns(t *testing.T) {
	cfg := testConfig(t)
	res := Run(context.Background(), Options{Config: cfg})
	assert.True(t, res.OK, "%+v", res.Checks)
	assert.Equal(t, StatusWarn, find(t, res, "config").Status)
	assert.Equal(t, StatusWarn, find(t, res, "server").Status)
	assert.Equal(t, StatusPass, find(t, res, "socket_lock").Status)
	assert.Equal(t, StatusPass, find(t, res, "socket_dir").Status)
	assert.Equal(t, StatusWarn, find(t, res, "log_dir").Status)
	assert.Equal(t, StatusPass, find(t, res, "journal_dir").Status)
	assert.Len(t, res.Warnings, 3)
}

func TestStaleLockFails(t *testing.T) {
	cfg := testConfig(t)
	lock := flock.New(cfg.SocketPath + ".lock")
	ok, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer lock.Unlock() //nolint:errcheck

	res := Run(context.Background(), Options{Config: cfg})
	assert.False(t, res.OK)
	assert.Equal(t, StatusFail, find(t, res, "socket_lock").Status)
}

func TestRunningServerPasses(t *testing.T) {
	cfg := testConfig(t)
	cfg.File = "procmux.yaml"
	cfg.Procs = []model.ProcessRecord{{Name: "web", Command: model.ShellLine("sleep 30")}}

	sup, err := supervisor.New(cfg.Procs, supervisor.Options{Logger: zerolog.Nop(), Grace: 200 * time.Millisecond})
	require.NoError(t, err)
	addr := transport.Address{Network: transport.NetworkUnix, Addr: cfg.SocketPath}
	srv := daemon.NewServer(daemon.Config{Address: addr}, sup, daemon.Options{Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()
	defer func() {
		cancel()
		<-errCh
	}()
	select {
	case <-srv.Ready():
	case err := <-errCh:
		if testutil.IsUDSUnsupported(err) {
			t.Skipf("unix domain sockets unavailable in this environment: %v", err)
		}
		t.Fatalf("server start failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server not ready")
	}

	res := Run(context.Background(), Options{Config: cfg})
	assert.Equal(t, StatusPass, find(t, res, "config").Status)
	server := find(t, res, "server")
	assert.Equal(t, StatusPass, server.Status)
	assert.Equal(t, "running, 1 processes", server.Message)
	lock := find(t, res, "socket_lock")
	assert.Equal(t, StatusPass, lock.Status)
	assert.Equal(t, "held by the running server", lock.Message)
}

func TestCheckDirNotADirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	assert.Equal(t, StatusFail, checkDir("x", path).Status)
}
