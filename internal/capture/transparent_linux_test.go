//go:build linux

package capture

import (
	"context"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestForceCloseSetsLinger only exercises SO_LINGER, which needs no
// elevated privilege, unlike IP_TRANSPARENT/SO_ORIGINAL_DST which this
// package's other methods require a real transparent-proxy deployment
// (CAP_NET_ADMIN plus an iptables/nftables REDIRECT rule) to exercise.
func TestForceCloseSetsLinger(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	serverSide := <-accepted
	tcpConn, ok := serverSide.(*net.TCPConn)
	require.True(t, ok)

	tr := New()
	require.NoError(t, tr.ForceClose(tcpConn))
}

// TestDialTransparentRequiresPrivilege documents (rather than
// papering over) that IP_TRANSPARENT needs CAP_NET_ADMIN: it skips
// unless running as root, where it should succeed against loopback.
func TestDialTransparentRequiresPrivilege(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("IP_TRANSPARENT requires CAP_NET_ADMIN; skipping without root")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	tr := New()
	local := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
	remote := ln.Addr().(*net.TCPAddr)

	conn, err := tr.DialTransparent(context.Background(), local, remote)
	require.NoError(t, err)
	conn.Close()
}
