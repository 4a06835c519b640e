package transport

import (
	"context"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Address
	}{
		{"", Address{Network: NetworkUnix, Addr: "/run/procmux.sock"}},
		{"unix:/tmp/a.sock", Address{Network: NetworkUnix, Addr: "/tmp/a.sock"}},
		{"/tmp/b.sock", Address{Network: NetworkUnix, Addr: "/tmp/b.sock"}},
		{"local.sock", Address{Network: NetworkUnix, Addr: "local.sock"}},
		{"127.0.0.1:4050", Address{Network: NetworkTCP, Addr: "127.0.0.1:4050"}},
		{"tcp:localhost:9", Address{Network: NetworkTCP, Addr: "localhost:9"}},
		{":4050", Address{Network: NetworkTCP, Addr: ":4050"}},
		{"[::1]:80", Address{Network: NetworkTCP, Addr: "[::1]:80"}},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in, "/run/procmux.sock")
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseRejects(t *testing.T) {
	for _, in := range []string{"localhost", "unix:", "tcp:nope", "host:"} {
		_, err := Parse(in, "")
		assert.ErrorIs(t, err, ErrBadAddress, in)
	}
	_, err := Parse("", "")
	assert.ErrorIs(t, err, ErrBadAddress)
}

func TestAddressString(t *testing.T) {
	assert.Equal(t, "unix:/tmp/x.sock", Address{Network: NetworkUnix, Addr: "/tmp/x.sock"}.String())
	assert.Equal(t, "127.0.0.1:1", Address{Network: NetworkTCP, Addr: "127.0.0.1:1"}.String())
}

func TestPairIsDuplex(t *testing.T) {
	server, client, err := Pair()
	require.NoError(t, err)
	defer server.Close()
	defer client.Close()

	go func() {
		buf := make([]byte, 4)
		if _, err := io.ReadFull(server, buf); err == nil {
			_, _ = server.Write(append(buf, '!'))
		}
	}()
	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	got := make([]byte, 5)
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	assert.Equal(t, "ping!", string(got))
}

func TestPairIsCloseOnExec(t *testing.T) {
	server, client, err := Pair()
	require.NoError(t, err)
	defer server.Close()
	defer client.Close()

	for _, conn := range []net.Conn{server, client} {
		raw, err := conn.(syscall.Conn).SyscallConn()
		require.NoError(t, err)
		var flags int
		var ferr error
		require.NoError(t, raw.Control(func(fd uintptr) {
			flags, ferr = unix.FcntlInt(fd, unix.F_GETFD, 0)
		}))
		require.NoError(t, ferr)
		assert.NotZero(t, flags&unix.FD_CLOEXEC)
	}
}

func TestDialTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			_ = c.Close()
		}
	}()

	addr, err := Parse(ln.Addr().String(), "")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, addr)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}
