//go:build linux

// Package capture implements the platform hook spec §6.2 requires:
// recovering a redirected connection's original destination and
// opening an upstream socket that is itself transparent (spoofed
// source address). Grounded on the SO_ORIGINAL_DST technique in
// appnet-org/arpc's proxy-h2 (other_examples), generalized from its
// syscall.Syscall6/file.Fd() approach to golang.org/x/sys/unix plus
// (*net.TCPConn).SyscallConn, which keeps the socket non-blocking.
package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Transparent is the Linux realization of core.Capture.
type Transparent struct{}

// New returns a Transparent capture backend.
func New() *Transparent { return &Transparent{} }

// OriginalDestination reads SO_ORIGINAL_DST off conn's underlying
// socket, the option iptables/nftables REDIRECT and TPROXY targets
// populate with the address the client's SYN actually targeted.
func (t *Transparent) OriginalDestination(conn *net.TCPConn) (*net.TCPAddr, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("capture: syscallconn: %w", err)
	}

	var sockaddr [16]byte
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		sockaddr, sockErr = getOriginalDst(int(fd))
	})
	if ctrlErr != nil {
		return nil, fmt.Errorf("capture: control: %w", ctrlErr)
	}
	if sockErr != nil {
		return nil, fmt.Errorf("capture: getsockopt SO_ORIGINAL_DST: %w", sockErr)
	}

	family := binary.LittleEndian.Uint16(sockaddr[0:2])
	if family != unix.AF_INET {
		return nil, fmt.Errorf("capture: unsupported address family %d", family)
	}
	port := binary.BigEndian.Uint16(sockaddr[2:4])
	ip := net.IPv4(sockaddr[4], sockaddr[5], sockaddr[6], sockaddr[7])
	return &net.TCPAddr{IP: ip, Port: int(port)}, nil
}

func getOriginalDst(fd int) ([16]byte, error) {
	var buf [16]byte
	size := uint32(len(buf))
	_, _, errno := unix.Syscall6(
		unix.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(unix.SOL_IP),
		uintptr(unix.SO_ORIGINAL_DST),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(unsafe.Pointer(&size)),
		0,
	)
	if errno != 0 {
		return buf, errno
	}
	return buf, nil
}

// DialTransparent opens a new socket with IP_TRANSPARENT set before
// bind, so binding to local (the real client's address) succeeds
// without it being a locally-owned address, then connects to remote.
// net.Dialer invokes Control after the raw socket is created but
// before the implicit bind to LocalAddr, which is exactly when
// IP_TRANSPARENT must be set.
func (t *Transparent) DialTransparent(ctx context.Context, local, remote *net.TCPAddr) (*net.TCPConn, error) {
	dialer := &net.Dialer{
		LocalAddr: local,
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			ctrlErr := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1)
			})
			if ctrlErr != nil {
				return ctrlErr
			}
			return sockErr
		},
	}

	conn, err := dialer.DialContext(ctx, "tcp", remote.String())
	if err != nil {
		return nil, fmt.Errorf("capture: dial transparent %s: %w", remote, err)
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("capture: dialed connection to %s is not TCP", remote)
	}
	return tcpConn, nil
}

// ForceClose tears conn down with a TCP RST instead of the ordinary
// FIN/ACK sequence, by setting SO_LINGER{on,0} before Close (spec §6).
func (t *Transparent) ForceClose(conn *net.TCPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("capture: syscallconn: %w", err)
	}
	var setErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptLinger(int(fd), unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0})
	})
	if ctrlErr != nil {
		return fmt.Errorf("capture: control: %w", ctrlErr)
	}
	if setErr != nil {
		return fmt.Errorf("capture: setsockopt SO_LINGER: %w", setErr)
	}
	return conn.Close()
}
