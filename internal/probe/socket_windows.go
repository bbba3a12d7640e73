//go:build windows

package probe

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/windows"
)

// tuneSocketBuffers requests send/receive buffer sizes of want bytes and
// returns what Winsock actually granted.
func tuneSocketBuffers(conn *net.UDPConn, want int) (grantedRecv, grantedSend int, err error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, 0, fmt.Errorf("probe: get raw conn: %w", err)
	}

	var ctrlErr error
	err = raw.Control(func(fd uintptr) {
		h := windows.Handle(fd)
		if e := windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_RCVBUF, want); e != nil {
			ctrlErr = fmt.Errorf("set SO_RCVBUF: %w", e)
			return
		}
		if e := windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_SNDBUF, want); e != nil {
			ctrlErr = fmt.Errorf("set SO_SNDBUF: %w", e)
			return
		}
		grantedRecv, ctrlErr = windows.GetsockoptInt(h, windows.SOL_SOCKET, windows.SO_RCVBUF)
		if ctrlErr != nil {
			return
		}
		grantedSend, ctrlErr = windows.GetsockoptInt(h, windows.SOL_SOCKET, windows.SO_SNDBUF)
	})
	if err != nil {
		return 0, 0, fmt.Errorf("probe: control raw conn: %w", err)
	}
	if ctrlErr != nil {
		return 0, 0, ctrlErr
	}
	return grantedRecv, grantedSend, nil
}

// disableConnReset turns off SIO_UDP_CONNRESET so that an ICMP
// port-unreachable from one (now-gone) endpoint does not fail subsequent
// recv calls on the shared probe socket (spec §4.C step 1).
func disableConnReset(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("probe: get raw conn: %w", err)
	}

	const iocIn = 0x80000000
	const iocVendor = 0x18000000
	const sioUDPConnReset = iocIn | iocVendor | 12

	var ctrlErr error
	err = raw.Control(func(fd uintptr) {
		var enable uint32 = 0
		var bytesReturned uint32
		ctrlErr = windows.WSAIoctl(
			windows.Handle(fd),
			sioUDPConnReset,
			(*byte)(unsafe.Pointer(&enable)),
			uint32(unsafe.Sizeof(enable)),
			nil,
			0,
			&bytesReturned,
			nil,
			0,
		)
	})
	if err != nil {
		return fmt.Errorf("probe: control raw conn: %w", err)
	}
	return ctrlErr
}
