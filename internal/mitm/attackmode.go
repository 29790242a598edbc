package mitm

import (
	"encoding/hex"
	"fmt"

	"github.com/MaxHTu/tcp-proxy/internal/config"
)

// RoleConfig is the resolved attack-mode configuration for one of the
// two named roles in the challenge/response handshake.
type RoleConfig struct {
	SourceIP            string
	TargetIP            string
	Enabled             bool
	MaliciousPayload    []byte
	MaliciousPayloadHex string
	Log                 bool
}

// AttackConfig bundles the two roles the MITM state machine cares
// about: the leg carrying the server's challenge to the client, and
// the leg carrying the client's authenticator back to the server.
type AttackConfig struct {
	ServerToClient RoleConfig
	ClientToServer RoleConfig
}

// ResolveAttackConfig builds an AttackConfig from the config document's
// attack_mode map, keyed by the two role names (defaulting to
// "server_to_client"/"client_to_server"). Each role's source/target IP
// pair is copied from its own attack_mode entry; payload_handling is
// not consulted.
func ResolveAttackConfig(cfg *config.Config, serverToClientName, clientToServerName string) (AttackConfig, error) {
	if serverToClientName == "" {
		serverToClientName = "server_to_client"
	}
	if clientToServerName == "" {
		clientToServerName = "client_to_server"
	}

	s2c, err := resolveRole(cfg, serverToClientName)
	if err != nil {
		return AttackConfig{}, err
	}
	c2s, err := resolveRole(cfg, clientToServerName)
	if err != nil {
		return AttackConfig{}, err
	}
	return AttackConfig{ServerToClient: s2c, ClientToServer: c2s}, nil
}

func resolveRole(cfg *config.Config, name string) (RoleConfig, error) {
	var rc RoleConfig
	attack, ok := cfg.AttackMode[name]
	if !ok {
		return rc, nil
	}
	rc.SourceIP, rc.TargetIP = attack.SourceIP, attack.TargetIP
	rc.Enabled = attack.Enabled
	rc.Log = attack.Log
	rc.MaliciousPayloadHex = attack.MaliciousPayloadHex
	if attack.MaliciousPayloadHex != "" {
		hexStr := attack.MaliciousPayloadHex
		if len(hexStr)%2 != 0 {
			hexStr += "0"
		}
		b, err := hex.DecodeString(hexStr)
		if err != nil {
			return rc, fmt.Errorf("mitm: direction %q has malformed malicious_payload_hex: %w", name, err)
		}
		rc.MaliciousPayload = b
	}
	return rc, nil
}
