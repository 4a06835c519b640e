package console

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/procmux/internal/client"
	"github.com/g960059/procmux/internal/daemon"
	"github.com/g960059/procmux/internal/model"
	"github.com/g960059/procmux/internal/supervisor"
	"github.com/g960059/procmux/internal/testutil"
	"github.com/g960059/procmux/internal/transport"
)

func TestKeyReaderPassthrough(t *testing.T) {
	k := NewKeyReader(0)
	steps := k.Feed([]byte("ls -la\r"))
	require.Len(t, steps, 1)
	assert.Equal(t, []byte("ls -la\r"), steps[0].Input)
}

func TestKeyReaderPrefixActions(t *testing.T) {
	k := NewKeyReader(DefaultPrefix)
	steps := k.Feed([]byte("ab\x01nc\x01\x01\x01z\x01q"))
	require.Len(t, steps, 4)
	assert.Equal(t, []byte("ab"), steps[0].Input)
	assert.Equal(t, ActionNext, steps[1].Action)
	assert.Equal(t, []byte("c\x01"), steps[2].Input, "double prefix sends a literal prefix, unbound keys are dropped")
	assert.Equal(t, ActionQuit, steps[3].Action)
}

func TestKeyReaderPrefixSplitAcrossReads(t *testing.T) {
	k := NewKeyReader(DefaultPrefix)
	assert.Empty(t, k.Feed([]byte{DefaultPrefix}))
	steps := k.Feed([]byte("x"))
	require.Len(t, steps, 1)
	assert.Equal(t, ActionStop, steps[0].Action)
}

func TestRenderStatus(t *testing.T) {
	exit := model.Exited(1)
	line := RenderStatus([]model.ProcessInfo{
		{ID: 1, Name: "web", State: model.StateRunning},
		{ID: 2, Name: "db", State: model.StateStopped, Exit: &exit},
	}, 0, 0)
	assert.Contains(t, line, "web")
	assert.Contains(t, line, "running")
	assert.Contains(t, line, "exited 1")
	assert.Contains(t, RenderStatus(nil, 0, 80), "no processes")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// startCat serves one autostarted cat process and returns an in-process
// client plus the server's exit channel.
func startCat(t *testing.T, ctx context.Context) (*daemon.Server, *client.Client, <-chan error) {
	t.Helper()
	rec := model.ProcessRecord{Name: "cat", Command: model.Argv("cat"), Autostart: true}
	sup, err := supervisor.New([]model.ProcessRecord{rec}, supervisor.Options{Logger: zerolog.Nop(), Grace: 200 * time.Millisecond})
	require.NoError(t, err)
	addr := transport.Address{Network: transport.NetworkUnix, Addr: testutil.ShortSocketPath(t, "procmux-console")}
	srv := daemon.NewServer(daemon.Config{Address: addr}, sup, daemon.Options{Logger: zerolog.Nop()})
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()
	select {
	case <-srv.Ready():
	case err := <-errCh:
		if testutil.IsUDSUnsupported(err) {
			t.Skipf("unix domain sockets unavailable in this environment: %v", err)
		}
		t.Fatalf("server start failed: %v", err)
	}
	conn, err := srv.Connect()
	require.NoError(t, err)
	c := client.New(conn, 0)
	t.Cleanup(func() { _ = c.Close() })
	return srv, c, errCh
}

func startConsole(t *testing.T, ctx context.Context, c *client.Client, pin model.ProcRef) (*os.File, *syncBuffer, <-chan error) {
	t.Helper()
	inR, inW, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = inR.Close()
		_ = inW.Close()
	})
	out := &syncBuffer{}
	cn := New(c, Options{In: inR, Out: out, Pin: pin, Logger: zerolog.Nop()})
	runErr := make(chan error, 1)
	go func() { runErr <- cn.Run(ctx) }()
	return inW, out, runErr
}

func TestConsoleForwardsInputAndQuits(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_, c, errCh := startCat(t, ctx)
	inW, out, runErr := startConsole(t, ctx, c, model.ProcRef{})

	testutil.Eventually(t, 5*time.Second, func() bool { return strings.Contains(out.String(), "running") }, "status bar shows running process")
	_, err := inW.Write([]byte("ping\r"))
	require.NoError(t, err)
	testutil.Eventually(t, 5*time.Second, func() bool { return strings.Count(out.String(), "ping") >= 1 }, "cat echoes input")

	_, err = inW.Write([]byte{DefaultPrefix, 'q'})
	require.NoError(t, err)
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, ErrQuit)
	case <-time.After(10 * time.Second):
		t.Fatal("console did not exit")
	}
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop after quit")
	}
}

func TestPinnedConsoleDetachesWithoutStoppingServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	srv, c, _ := startCat(t, ctx)
	inW, out, runErr := startConsole(t, ctx, c, model.ProcRef{Name: "cat"})

	testutil.Eventually(t, 5*time.Second, func() bool { return strings.Contains(out.String(), "running") }, "status bar shows running process")
	_, err := inW.Write([]byte{DefaultPrefix, 'n', DefaultPrefix, 'q'})
	require.NoError(t, err)
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, ErrDetached)
	case <-time.After(10 * time.Second):
		t.Fatal("console did not detach")
	}

	conn, err := srv.Connect()
	require.NoError(t, err)
	other := client.New(conn, 0)
	defer other.Close()
	procs, err := other.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, procs[0].State)
}

func TestPinnedConsoleUnknownProcess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_, c, _ := startCat(t, ctx)
	_, _, runErr := startConsole(t, ctx, c, model.ProcRef{Name: "ghost"})
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, model.ErrUnknownProcess)
	case <-time.After(10 * time.Second):
		t.Fatal("console did not fail")
	}
}
