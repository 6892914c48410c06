// Copyright 2025 The ilpd Authors
// This file is part of the ilpd library.
//
// The ilpd library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ilpd library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ilpd library. If not, see <http://www.gnu.org/licenses/>.

package node

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/holiman/uint256"
	"github.com/naoina/toml"

	"github.com/interledger-go/ilpd/ilp"
	"github.com/interledger-go/ilpd/ledger"
)

// Config is the TOML-backed configuration of one connector node. Field
// names are the TOML keys verbatim.
type Config struct {
	Node          NodeConfig
	Log           LogConfig
	Settlement    SettlementConfig
	Peers         []PeerConfig
	Routes        []RouteConfig
	LocalDelivery LocalDeliveryConfig
}

// NodeConfig holds identity and listener settings.
type NodeConfig struct {
	// ID is this connector's ILP address, e.g. "g.mynode".
	ID string
	// ListenAddr is the BTP WebSocket listen address. Empty disables the
	// inbound server.
	ListenAddr string
	// AdminAddr serves /healthz and /metrics. Empty disables it.
	AdminAddr string
	// DataDir is where the accounting database lives. Empty runs the
	// ledger in memory.
	DataDir string
}

// LogConfig selects output format and optional file rotation.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is "json" or "console".
	Format string
	// File enables rotated file output when non-empty.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// PeerConfig describes one outbound BTP peer.
type PeerConfig struct {
	ID     string
	URL    string
	Secret string
}

// RouteConfig is one static routing table entry.
type RouteConfig struct {
	Prefix   string
	NextHop  string
	Priority int
}

// SettlementConfig controls accounting, fees and the threshold monitor.
// All amounts are decimal strings.
type SettlementConfig struct {
	Enabled bool
	// FeePercentage is the forwarding fee, e.g. 0.1 for 0.1%.
	FeePercentage float64
	// PollingInterval is a Go duration string, e.g. "30s".
	PollingInterval string

	DefaultCreditLimit string
	GlobalCeiling      string
	// CreditLimits maps peer id to limit; TokenCreditLimits refines it
	// per token.
	CreditLimits      map[string]string
	TokenCreditLimits map[string]map[string]string

	// Thresholds trigger SETTLEMENT_REQUIRED events; same three-level
	// shape as credit limits.
	DefaultThreshold string
	Thresholds       map[string]string
}

// LocalDeliveryConfig points local packets at an external HTTP endpoint.
// Empty URL keeps the in-process default.
type LocalDeliveryConfig struct {
	URL string
}

// tomlSettings rejects unknown keys so typos surface at startup instead of
// silently using defaults.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ID:         "g.ilpd",
			ListenAddr: ":7768",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Settlement: SettlementConfig{
			PollingInterval: "30s",
		},
	}
}

// LoadConfig reads and validates a TOML config file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := DefaultConfig()
	if err := tomlSettings.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %v", path, err)
	}
	return cfg, nil
}

// Validate checks identifiers and amount strings before any subsystem
// starts.
func (c *Config) Validate() error {
	if _, err := ilp.ParseAddress(c.Node.ID); err != nil {
		return fmt.Errorf("Node.ID: %v", err)
	}
	for i, p := range c.Peers {
		if p.ID == "" {
			return fmt.Errorf("Peers[%d]: missing ID", i)
		}
		if err := validateID(p.ID); err != nil {
			return fmt.Errorf("Peers[%d].ID: %v", i, err)
		}
		if !strings.HasPrefix(p.URL, "ws://") && !strings.HasPrefix(p.URL, "wss://") {
			return fmt.Errorf("Peers[%d].URL: %q is not a ws:// or wss:// URL", i, p.URL)
		}
	}
	for i, r := range c.Routes {
		if _, err := ilp.ParseAddress(r.Prefix); err != nil {
			return fmt.Errorf("Routes[%d].Prefix: %v", i, err)
		}
		if r.NextHop == "" {
			return fmt.Errorf("Routes[%d]: missing NextHop", i)
		}
	}
	if fee := c.Settlement.FeePercentage; fee < 0 || fee > 100 {
		return fmt.Errorf("Settlement.FeePercentage: %v is outside [0, 100]", fee)
	}
	if c.Settlement.PollingInterval != "" {
		if _, err := time.ParseDuration(c.Settlement.PollingInterval); err != nil {
			return fmt.Errorf("Settlement.PollingInterval: %v", err)
		}
	}
	if _, err := c.Settlement.creditLimits(); err != nil {
		return err
	}
	if _, err := c.Settlement.thresholds(); err != nil {
		return err
	}
	return nil
}

// validateID rejects peer ids that would break the ledger key layout or
// the env-variable secret naming.
func validateID(id string) error {
	for _, r := range id {
		if r == 0 || unicode.IsSpace(r) {
			return fmt.Errorf("invalid peer id %q", id)
		}
	}
	return nil
}

// pollingInterval returns the parsed monitor interval.
func (s *SettlementConfig) pollingInterval() time.Duration {
	d, err := time.ParseDuration(s.PollingInterval)
	if err != nil || d <= 0 {
		return ledger.DefaultPollingInterval
	}
	return d
}

// creditLimits converts the string config into ledger limits.
func (s *SettlementConfig) creditLimits() (*ledger.Limits, error) {
	return buildLimits(s.TokenCreditLimits, s.CreditLimits, s.DefaultCreditLimit, s.GlobalCeiling, "Settlement credit limit")
}

// thresholds converts the string config into monitor thresholds.
func (s *SettlementConfig) thresholds() (*ledger.Limits, error) {
	return buildLimits(nil, s.Thresholds, s.DefaultThreshold, "", "Settlement threshold")
}

func buildLimits(perPeerToken map[string]map[string]string, perPeer map[string]string, def, ceiling, what string) (*ledger.Limits, error) {
	limits := &ledger.Limits{}
	empty := true
	if len(perPeerToken) > 0 {
		limits.PerPeerToken = make(map[string]map[string]*uint256.Int, len(perPeerToken))
		for peer, tokens := range perPeerToken {
			limits.PerPeerToken[peer] = make(map[string]*uint256.Int, len(tokens))
			for token, raw := range tokens {
				v, err := ledger.ParseAmount(raw)
				if err != nil {
					return nil, fmt.Errorf("%s for %s/%s: %v", what, peer, token, err)
				}
				limits.PerPeerToken[peer][token] = v
				empty = false
			}
		}
	}
	if len(perPeer) > 0 {
		limits.PerPeer = make(map[string]*uint256.Int, len(perPeer))
		for peer, raw := range perPeer {
			v, err := ledger.ParseAmount(raw)
			if err != nil {
				return nil, fmt.Errorf("%s for %s: %v", what, peer, err)
			}
			limits.PerPeer[peer] = v
			empty = false
		}
	}
	if def != "" {
		v, err := ledger.ParseAmount(def)
		if err != nil {
			return nil, fmt.Errorf("%s default: %v", what, err)
		}
		limits.Default = v
		empty = false
	}
	if ceiling != "" {
		v, err := ledger.ParseAmount(ceiling)
		if err != nil {
			return nil, fmt.Errorf("%s ceiling: %v", what, err)
		}
		limits.GlobalCeiling = v
		empty = false
	}
	if empty {
		return nil, nil
	}
	return limits, nil
}
