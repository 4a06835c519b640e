package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	NetworkUnix = "unix"
	NetworkTCP  = "tcp"
)

var ErrBadAddress = errors.New("transport: bad address")

// Address is where a server listens and where clients dial.
type Address struct {
	Network string
	Addr    string
}

func (a Address) String() string {
	if a.Network == NetworkTCP {
		return a.Addr
	}
	return a.Network + ":" + a.Addr
}

func (a Address) IsZero() bool { return a.Addr == "" }

// Parse accepts "unix:/path", "tcp:host:port", a bare "host:port" or a bare
// socket path. An empty string resolves to fallbackSocket.
func Parse(s, fallbackSocket string) (Address, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		if fallbackSocket == "" {
			return Address{}, fmt.Errorf("%w: empty", ErrBadAddress)
		}
		return Address{Network: NetworkUnix, Addr: fallbackSocket}, nil
	case strings.HasPrefix(s, "unix:"):
		return unixAddress(strings.TrimPrefix(s, "unix:"))
	case strings.HasPrefix(s, "tcp:"):
		return tcpAddress(strings.TrimPrefix(s, "tcp:"))
	case strings.ContainsRune(s, os.PathSeparator) || strings.HasSuffix(s, ".sock"):
		return unixAddress(s)
	default:
		return tcpAddress(s)
	}
}

func unixAddress(path string) (Address, error) {
	if path == "" {
		return Address{}, fmt.Errorf("%w: empty socket path", ErrBadAddress)
	}
	return Address{Network: NetworkUnix, Addr: path}, nil
}

func tcpAddress(hostport string) (Address, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	if port == "" {
		return Address{}, fmt.Errorf("%w: missing port in %q", ErrBadAddress, hostport)
	}
	return Address{Network: NetworkTCP, Addr: net.JoinHostPort(host, port)}, nil
}

// Dial connects to a server.
func Dial(ctx context.Context, addr Address) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, addr.Network, addr.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// Pair returns two connected stream sockets used by the colocated front end.
func Pair() (net.Conn, net.Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	server, err := fileConn(fds[0], "procmux-server")
	if err != nil {
		_ = unix.Close(fds[1])
		return nil, nil, err
	}
	client, err := fileConn(fds[1], "procmux-client")
	if err != nil {
		_ = server.Close()
		return nil, nil, err
	}
	return server, client, nil
}

func fileConn(fd int, name string) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("wrap %s: %w", name, err)
	}
	return conn, nil
}
