package core

import (
	"errors"
	"io"
	"strings"

	"github.com/MaxHTu/tcp-proxy/internal/frame"
	"github.com/MaxHTu/tcp-proxy/internal/logging"
	"github.com/MaxHTu/tcp-proxy/internal/ruleset"
)

// readChunkSize is the forwarder's read granularity (spec §4.4: "read
// chunk (≤ 16 KiB)").
const readChunkSize = 16 * 1024

// ErrForceTeardown is returned by Forwarder.Run when the MITM machine
// signalled that this connection must be torn down with a forced RST
// (spec §4.5's waiting_hmac → waiting_reconnect transition).
var ErrForceTeardown = errors.New("core: mitm requested forced connection teardown")

// Forwarder relays one direction of one TCP flow: it reads from
// reader, feeds the frame decoder, runs the MITM machine and the rule
// evaluator over every decoded message, and writes the result to
// writer in the order spec §4.3 prescribes. One Forwarder is owned by
// exactly one goroutine; reader and writer are never shared.
type Forwarder struct {
	Label    string
	MitmRole string
	SourceIP string
	TargetIP string

	Reader io.Reader
	Writer io.Writer

	Decoder   *frame.Decoder
	Rules     RuleStore
	Evaluator MessageEvaluator
	Mitm      MitmProcessor
	Log       logging.Logger

	// OnMessage, if set, is called once per decoded message with the
	// forwarder's MitmRole ("client_to_server" or "server_to_client"),
	// giving callers (metrics) a hook
	// without the evaluator/mitm packages knowing metrics exist.
	OnMessage func(direction string)
}

// Run drives the read/decode/evaluate/write loop until the reader
// returns EOF (clean exit, nil error) or a fatal error occurs. On any
// return it half-closes the write side so the peer's read loop
// observes the same shutdown.
func (f *Forwarder) Run() error {
	buf := make([]byte, readChunkSize)
	for {
		n, readErr := f.Reader.Read(buf)
		if n > 0 {
			msgs, decErr := f.Decoder.Append(buf[:n])
			for _, msg := range msgs {
				teardown, err := f.handleMessage(msg)
				if err != nil {
					closeWriteSide(f.Writer)
					return err
				}
				if teardown {
					closeWriteSide(f.Writer)
					return ErrForceTeardown
				}
			}
			if decErr != nil {
				closeWriteSide(f.Writer)
				return decErr
			}
		}
		if readErr != nil {
			closeWriteSide(f.Writer)
			if readErr == io.EOF {
				return nil
			}
			if isPeerReset(readErr) {
				f.Log.Infof("%s: peer reset: %v", f.Label, readErr)
				return nil
			}
			return readErr
		}
	}
}

// isPeerReset reports whether err is the ordinary "connection reset by
// peer" / "broken pipe" family spec §7 says to log at info and treat
// as a normal connection end, not a fatal error.
func isPeerReset(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "reset by peer") || strings.Contains(msg, "broken pipe")
}

// handleMessage runs one decoded message through the MITM machine
// (which has priority, spec §4.5) and, unless suppressed, through the
// rule evaluator, writing bytes per the §4.3 write-out contract.
func (f *Forwarder) handleMessage(msg frame.Message) (forceTeardown bool, err error) {
	if f.OnMessage != nil {
		f.OnMessage(f.MitmRole)
	}

	outcome, err := f.Mitm.ProcessMessage(f.MitmRole, msg, f.Writer)
	if err != nil {
		return false, err
	}
	if outcome.Suppress {
		return outcome.ForceTeardown, nil
	}

	set := f.Rules.Load()
	verdict := f.Evaluator.Evaluate(msg, f.SourceIP, f.TargetIP, set)

	for _, ins := range verdict.Insertions {
		if ins.Position != ruleset.PositionBefore {
			continue
		}
		if _, err := f.Writer.Write(ins.Data); err != nil {
			return false, err
		}
	}

	if verdict.Forward {
		if _, err := f.Writer.Write(msg.RawBytes); err != nil {
			return false, err
		}
	}

	for _, ins := range verdict.Insertions {
		if ins.Position != ruleset.PositionAfter {
			continue
		}
		if _, err := f.Writer.Write(ins.Data); err != nil {
			return false, err
		}
	}

	for _, payload := range verdict.ReplayPayloads {
		if _, err := f.Writer.Write(payload); err != nil {
			return false, err
		}
	}

	return outcome.ForceTeardown, nil
}
