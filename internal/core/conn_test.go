package core

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/MaxHTu/tcp-proxy/internal/logging"
	"github.com/MaxHTu/tcp-proxy/internal/mitm"
	"github.com/MaxHTu/tcp-proxy/internal/ruleset"
	"github.com/stretchr/testify/require"
)

// loopbackCapture is a Capture fake for tests that run entirely over
// real loopback sockets: "transparent" dialing is just net.DialTCP to
// whatever address the test wired as the original destination, and
// ForceClose is an ordinary close (exercised for its call site, not
// its SO_LINGER behavior, which the capture package's own tests own).
type loopbackCapture struct {
	origDest *net.TCPAddr
}

func (c *loopbackCapture) OriginalDestination(conn *net.TCPConn) (*net.TCPAddr, error) {
	return c.origDest, nil
}

func (c *loopbackCapture) DialTransparent(ctx context.Context, local, remote *net.TCPAddr) (*net.TCPConn, error) {
	conn, err := net.DialTCP("tcp", nil, remote)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *loopbackCapture) ForceClose(conn *net.TCPConn) error {
	return conn.Close()
}

func startEchoServer(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.AcceptTCP()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						conn.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

func TestConnHandlerEndToEndPassThrough(t *testing.T) {
	upstreamAddr := startEchoServer(t)

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	store := ruleset.NewStore()
	store.Publish(ruleset.Empty())
	rec := logging.NewRecorder()
	handler := &ConnHandler{
		Capture:      &loopbackCapture{origDest: upstreamAddr},
		Rules:        store,
		Mitm:         mitm.NewState(mitm.AttackConfig{}, rec),
		Log:          rec,
		Clock:        nil,
		ProcessStart: time.Now(),
	}
	acceptor := &Acceptor{Listener: ln, Handler: handler, Log: rec}

	ctx, cancel := context.WithCancel(context.Background())
	go acceptor.Serve(ctx)
	defer cancel()

	clientConn, err := net.DialTCP("tcp", nil, ln.Addr().(*net.TCPAddr))
	require.NoError(t, err)
	defer clientConn.Close()

	msg := frameText("ping")
	_, err = clientConn.Write(msg)
	require.NoError(t, err)

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(clientConn, buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf)
}

func TestConnHandlerInvokesMetricsHooks(t *testing.T) {
	upstreamAddr := startEchoServer(t)

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	store := ruleset.NewStore()
	store.Publish(ruleset.Empty())
	rec := logging.NewRecorder()

	var connCount int
	var mu sync.Mutex
	messagesByDir := map[string]int{}

	handler := &ConnHandler{
		Capture:      &loopbackCapture{origDest: upstreamAddr},
		Rules:        store,
		Mitm:         mitm.NewState(mitm.AttackConfig{}, rec),
		Log:          rec,
		ProcessStart: time.Now(),
		OnConnection: func() {
			mu.Lock()
			defer mu.Unlock()
			connCount++
		},
		OnMessage: func(direction string) {
			mu.Lock()
			defer mu.Unlock()
			messagesByDir[direction]++
		},
	}
	acceptor := &Acceptor{Listener: ln, Handler: handler, Log: rec}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go acceptor.Serve(ctx)

	clientConn, err := net.DialTCP("tcp", nil, ln.Addr().(*net.TCPAddr))
	require.NoError(t, err)
	defer clientConn.Close()

	msg := frameText("ping")
	_, err = clientConn.Write(msg)
	require.NoError(t, err)
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(clientConn, buf)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connCount == 1 && messagesByDir["client_to_server"] == 1
	}, 2*time.Second, 10*time.Millisecond)
}
