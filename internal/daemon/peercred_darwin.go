//go:build darwin

package daemon

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

func verifyPeer(conn net.Conn) error {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("peer check requires unix domain socket")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return fmt.Errorf("peer syscall conn: %w", err)
	}
	var peerUID uint32
	var controlErr error
	if err := raw.Control(func(fd uintptr) {
		creds, credErr := unix.GetsockoptXucred(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
		if credErr != nil {
			controlErr = credErr
			return
		}
		peerUID = creds.Uid
	}); err != nil {
		return fmt.Errorf("peer control: %w", err)
	}
	if controlErr != nil {
		return fmt.Errorf("peer credentials: %w", controlErr)
	}
	if peerUID != uint32(os.Getuid()) {
		return fmt.Errorf("peer uid %d does not match %d", peerUID, os.Getuid())
	}
	return nil
}
