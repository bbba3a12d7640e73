//go:build !windows

package probe

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// tuneSocketBuffers requests send/receive buffer sizes of want bytes on the
// UDP socket and returns what the kernel actually granted. Grounded on the
// himka0-0-RTTServer example's use of SyscallConn().Control to reach
// golang.org/x/sys/unix for socket-level tuning that net.UDPConn does not
// expose directly for reading back the granted size.
func tuneSocketBuffers(conn *net.UDPConn, want int) (grantedRecv, grantedSend int, err error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, 0, fmt.Errorf("probe: get raw conn: %w", err)
	}

	var ctrlErr error
	err = raw.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, want); e != nil {
			ctrlErr = fmt.Errorf("set SO_RCVBUF: %w", e)
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, want); e != nil {
			ctrlErr = fmt.Errorf("set SO_SNDBUF: %w", e)
			return
		}
		grantedRecv, ctrlErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
		if ctrlErr != nil {
			return
		}
		grantedSend, ctrlErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF)
	})
	if err != nil {
		return 0, 0, fmt.Errorf("probe: control raw conn: %w", err)
	}
	if ctrlErr != nil {
		return 0, 0, ctrlErr
	}
	return grantedRecv, grantedSend, nil
}

// disableConnReset is a no-op outside Windows: SIO_UDP_CONNRESET is a
// Winsock-specific behavior where a prior ICMP port-unreachable poisons a
// later recv on the same socket.
func disableConnReset(*net.UDPConn) error {
	return nil
}
