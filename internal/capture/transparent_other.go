//go:build !linux

package capture

import (
	"context"
	"fmt"
	"net"
)

// Transparent is the non-Linux fallback: SO_ORIGINAL_DST and
// IP_TRANSPARENT are Linux-only kernel facilities, so this backend
// cannot recover a redirected connection's true destination. It dials
// without source spoofing, which is enough to develop and run the
// rest of the proxy (including against a statically configured
// upstream) on a workstation that isn't Linux.
type Transparent struct{}

// New returns the portable capture backend.
func New() *Transparent { return &Transparent{} }

// OriginalDestination always fails on this platform; callers needing
// real transparent capture must run on Linux.
func (t *Transparent) OriginalDestination(conn *net.TCPConn) (*net.TCPAddr, error) {
	return nil, fmt.Errorf("capture: SO_ORIGINAL_DST is only available on linux")
}

// DialTransparent dials remote without spoofing the source address;
// local is accepted for interface compatibility but ignored.
func (t *Transparent) DialTransparent(ctx context.Context, local, remote *net.TCPAddr) (*net.TCPConn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", remote.String())
	if err != nil {
		return nil, fmt.Errorf("capture: dial %s: %w", remote, err)
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("capture: dialed connection to %s is not TCP", remote)
	}
	return tcpConn, nil
}

// ForceClose closes conn with an ordinary FIN; SO_LINGER-forced RST is
// not attempted on this fallback.
func (t *Transparent) ForceClose(conn *net.TCPConn) error {
	return conn.Close()
}
