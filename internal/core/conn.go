package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/MaxHTu/tcp-proxy/internal/evaluate"
	"github.com/MaxHTu/tcp-proxy/internal/frame"
	"github.com/MaxHTu/tcp-proxy/internal/logging"
	"golang.org/x/sync/errgroup"
)

// connectRetryBackoffs realizes spec §4.6's "retried at most three
// times with backoffs {200 ms, 400 ms, 800 ms}".
var connectRetryBackoffs = []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}

// ConnHandler accepts one client flow, recovers its original
// destination, opens a spoofed-source upstream connection, and runs
// the two forwarders until both complete (spec §4.6).
type ConnHandler struct {
	Capture      Capture
	Rules        RuleStore
	Mitm         MitmProcessor
	Log          logging.Logger
	Clock        evaluate.Clock
	ProcessStart time.Time

	// OnConnection and OnMessage, if set, are metrics hooks invoked once
	// per accepted connection and once per decoded message respectively
	// (spec §6.4); they let main wire prometheus counters without the
	// core package importing metrics.
	OnConnection func()
	OnMessage    func(direction string)
}

// Handle drives one accepted client connection end to end. It never
// returns an error to the caller: per-connection failures are logged
// and the client socket is closed, matching spec §7's propagation
// policy that per-connection errors never escape the connection
// handler.
func (h *ConnHandler) Handle(clientConn *net.TCPConn) {
	defer clientConn.Close()

	if h.OnConnection != nil {
		h.OnConnection()
	}

	origDest, err := h.Capture.OriginalDestination(clientConn)
	if err != nil {
		h.Log.Warnf("conn: recover original destination: %v", err)
		return
	}

	clientAddr, ok := clientConn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		h.Log.Warnf("conn: client address is not a TCPAddr: %v", clientConn.RemoteAddr())
		return
	}

	upstream, err := h.dialWithRetry(context.Background(), clientAddr, origDest)
	if err != nil {
		h.Log.Warnf("conn: upstream %s unreachable: %v", origDest, err)
		return
	}
	defer upstream.Close()

	clientIP, serverIP := clientAddr.IP.String(), origDest.IP.String()

	clientToServer := &Forwarder{
		Label:     fmt.Sprintf("%s->%s", clientIP, serverIP),
		MitmRole:  "client_to_server",
		SourceIP:  clientIP,
		TargetIP:  serverIP,
		Reader:    clientConn,
		Writer:    upstream,
		Decoder:   frame.NewDecoder(),
		Rules:     h.Rules,
		Evaluator: evaluate.New(h.Clock, h.ProcessStart, h.Log, clientIP+"->"+serverIP),
		Mitm:      h.Mitm,
		Log:       h.Log,
		OnMessage: h.OnMessage,
	}
	serverToClient := &Forwarder{
		Label:     fmt.Sprintf("%s->%s", serverIP, clientIP),
		MitmRole:  "server_to_client",
		SourceIP:  serverIP,
		TargetIP:  clientIP,
		Reader:    upstream,
		Writer:    clientConn,
		Decoder:   frame.NewDecoder(),
		Rules:     h.Rules,
		Evaluator: evaluate.New(h.Clock, h.ProcessStart, h.Log, serverIP+"->"+clientIP),
		Mitm:      h.Mitm,
		Log:       h.Log,
		OnMessage: h.OnMessage,
	}

	var cancelOnce sync.Once
	cancelBoth := func(err error) {
		cancelOnce.Do(func() {
			if errors.Is(err, ErrForceTeardown) {
				h.Capture.ForceClose(clientConn)
				h.Capture.ForceClose(upstream)
				return
			}
			clientConn.Close()
			upstream.Close()
		})
	}

	g := new(errgroup.Group)
	g.Go(func() error {
		err := clientToServer.Run()
		cancelBoth(err)
		return err
	})
	g.Go(func() error {
		err := serverToClient.Run()
		cancelBoth(err)
		return err
	})

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, ErrForceTeardown) {
		h.Log.Infof("conn: %s closed: %v", clientIP, runErr)
	}
}

// dialWithRetry opens the spoofed-source upstream connection, retrying
// connect-refused up to three times with the configured backoff.
func (h *ConnHandler) dialWithRetry(ctx context.Context, local, remote *net.TCPAddr) (*net.TCPConn, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		conn, err := h.Capture.DialTransparent(ctx, local, remote)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if !isConnRefused(err) || attempt >= len(connectRetryBackoffs) {
			return nil, lastErr
		}
		time.Sleep(connectRetryBackoffs[attempt])
	}
}

func isConnRefused(err error) bool {
	return strings.Contains(err.Error(), "refused")
}
