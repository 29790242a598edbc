// Package config loads the proxy's YAML configuration: listen address,
// payload-handling rules, and MITM attack-mode settings. This package
// is an external collaborator relative to the core (spec §1) — the
// core only ever sees the *ruleset.Set and mitm.AttackConfig that
// ruleset.Parse and mitm.ResolveAttackConfig build from its Config —
// but a runnable binary needs something to parse the file
// the operator hands it.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Endpoint is a host/port pair, used for the listener address.
type Endpoint struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// RawRuleGroup holds one scope's rules exactly as YAML presents them:
// each field accepts either a single mapping or a list of mappings,
// normalized later by ruleset.Parse (spec §4.2).
type RawRuleGroup struct {
	Block  yaml.Node `yaml:"block"`
	Delay  yaml.Node `yaml:"delay"`
	Insert yaml.Node `yaml:"insert"`
	Replay yaml.Node `yaml:"replay"`
}

// RawDirection is one entry of payload_handling.directions.
type RawDirection struct {
	SourceIP string `yaml:"source_ip"`
	TargetIP string `yaml:"target_ip"`
	RawRuleGroup
}

// PayloadHandling is the payload_handling section of the schema.
type PayloadHandling struct {
	Global     RawRuleGroup   `yaml:"global"`
	Directions []RawDirection `yaml:"directions"`
}

// AttackDirectionConfig is one entry of the attack_mode map, keyed by
// role name; cmd/proxyd reads the "server_to_client" and
// "client_to_server" entries. SourceIP/TargetIP are carried into
// mitm.RoleConfig, but the MITM state machine does not consult them.
type AttackDirectionConfig struct {
	SourceIP            string `yaml:"source_ip"`
	TargetIP            string `yaml:"target_ip"`
	Enabled             bool   `yaml:"enabled"`
	MaliciousPayloadHex string `yaml:"malicious_payload_hex"`
	Log                 bool   `yaml:"log"`
}

// Config is the top-level configuration document (spec §6).
type Config struct {
	Src             Endpoint                         `yaml:"src"`
	PayloadHandling PayloadHandling                  `yaml:"payload_handling"`
	AttackMode      map[string]AttackDirectionConfig `yaml:"attack_mode"`
}

// Load reads and parses the YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}
