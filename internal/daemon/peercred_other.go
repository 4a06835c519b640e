//go:build !linux && !darwin

package daemon

import "net"

// verifyPeer relies on the 0600 socket mode where peer credentials are not
// available.
func verifyPeer(net.Conn) error { return nil }
