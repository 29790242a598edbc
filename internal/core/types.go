// Package core wires the frame decoder, rule evaluator, and MITM state
// machine into the per-connection data plane (forwarder + connection
// handler + acceptor). Everything here depends on interfaces, not
// concrete implementations, the same split the teacher's core.Server
// drew between itself and BackendResolver/ProtocolHandler.
package core

import (
	"context"
	"io"
	"net"

	"github.com/MaxHTu/tcp-proxy/internal/evaluate"
	"github.com/MaxHTu/tcp-proxy/internal/frame"
	"github.com/MaxHTu/tcp-proxy/internal/mitm"
	"github.com/MaxHTu/tcp-proxy/internal/ruleset"
)

// RuleStore is the read side of ruleset.Store: a forwarder dereferences
// it once per message to get a consistent snapshot (spec §4.2/§5).
type RuleStore interface {
	Load() *ruleset.Set
}

// MessageEvaluator is the rule-evaluation pipeline a forwarder runs
// every decoded message through (spec §4.3). *evaluate.Evaluator
// satisfies this directly.
type MessageEvaluator interface {
	Evaluate(msg frame.Message, sourceIP, targetIP string, set *ruleset.Set) evaluate.Verdict
}

// MitmProcessor is the process-wide attack state machine a forwarder
// consults before running the regular evaluator (spec §4.5).
// *mitm.State satisfies this directly.
type MitmProcessor interface {
	ProcessMessage(role string, msg frame.Message, writer io.Writer) (mitm.Outcome, error)
}

// Capture abstracts the platform-specific transparent-proxy socket
// operations (spec §6.2) so the connection handler can be built and
// tested without root or IP_TRANSPARENT support.
type Capture interface {
	// OriginalDestination recovers the (ip, port) the client's SYN
	// actually targeted before the kernel redirected it here.
	OriginalDestination(conn *net.TCPConn) (*net.TCPAddr, error)
	// DialTransparent opens an upstream connection that appears to the
	// upstream server to originate from local (the real client's
	// address), connecting to remote.
	DialTransparent(ctx context.Context, local, remote *net.TCPAddr) (*net.TCPConn, error)
	// ForceClose tears a connection down with a TCP RST (SO_LINGER
	// {on,0}) instead of a clean FIN sequence.
	ForceClose(conn *net.TCPConn) error
}

// halfCloser is satisfied by *net.TCPConn; a forwarder half-closes its
// write side on EOF so the peer still drains any buffered output
// instead of losing it to a full close.
type halfCloser interface {
	CloseWrite() error
}

func closeWriteSide(w io.Writer) {
	if hc, ok := w.(halfCloser); ok {
		hc.CloseWrite()
		return
	}
	if c, ok := w.(io.Closer); ok {
		c.Close()
	}
}
