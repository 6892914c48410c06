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

// Package node assembles the connector subsystems into one runnable
// service with ordered startup and shutdown.
package node

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/interledger-go/ilpd/btp"
	"github.com/interledger-go/ilpd/connector"
	"github.com/interledger-go/ilpd/events"
	"github.com/interledger-go/ilpd/ilp"
	"github.com/interledger-go/ilpd/ledger"
	"github.com/interledger-go/ilpd/routing"
)

// Node owns the lifecycle of one connector: ledger, routing table, BTP
// registry and server, packet handler and settlement monitor.
type Node struct {
	cfg *Config
	log *zap.Logger

	ledger   ledger.Ledger
	table    *routing.Table
	registry *btp.Registry
	server   *btp.Server
	handler  *connector.Handler
	monitor  *ledger.Monitor
	feed     *events.Feed

	startOnce sync.Once
	stopOnce  sync.Once
}

// New wires a Node from its configuration. Nothing is listening or
// connecting until Start.
func New(cfg *Config, log *zap.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &Node{
		cfg:  cfg,
		log:  log,
		feed: events.NewFeed(),
	}
	if err := n.build(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Node) build() error {
	cfg := n.cfg
	nodeID := ilp.Address(cfg.Node.ID)

	// Accounting. Settlement disabled means the no-op ledger; enabled
	// without a data dir runs in memory and resets on restart.
	limits, err := cfg.Settlement.creditLimits()
	if err != nil {
		return err
	}
	switch {
	case !cfg.Settlement.Enabled:
		n.ledger = ledger.Nop{}
	case cfg.Node.DataDir == "":
		store, err := ledger.NewMemStore(limits, n.log.Named("ledger"))
		if err != nil {
			return err
		}
		n.ledger = store
		n.log.Warn("No data directory configured, accounting state is in memory only")
	default:
		store, err := ledger.OpenStore(filepath.Join(cfg.Node.DataDir, "ledger"), limits, n.log.Named("ledger"))
		if err != nil {
			return err
		}
		n.ledger = store
	}

	n.table = routing.NewTable()
	for _, r := range cfg.Routes {
		if err := n.table.AddRoute(ilp.Address(r.Prefix), r.NextHop, r.Priority); err != nil {
			return err
		}
	}

	n.registry = btp.NewRegistry(cfg.Node.ID, n.log.Named("btp"))

	var local connector.Deliverer
	if cfg.LocalDelivery.URL != "" {
		local = &connector.HTTPDeliverer{URL: cfg.LocalDelivery.URL}
	}
	n.handler = connector.New(connector.Config{
		NodeID:            nodeID,
		Routes:            n.table,
		Peers:             n.registry,
		Ledger:            n.ledger,
		SettlementEnabled: cfg.Settlement.Enabled,
		FeePercentage:     cfg.Settlement.FeePercentage,
		Local:             local,
		Sink:              n.feed,
		Log:               n.log.Named("connector"),
	})
	n.registry.SetHandler(n.handler.HandlePrepare)

	if cfg.Node.ListenAddr != "" {
		secrets := btp.EnvSecrets{Fallback: staticPeerSecrets(cfg.Peers)}
		n.server = btp.NewServer(cfg.Node.ID, secrets, n.registry, n.log.Named("btp"))
	}

	if cfg.Settlement.Enabled {
		thresholds, err := cfg.Settlement.thresholds()
		if err != nil {
			return err
		}
		if thresholds != nil {
			n.monitor = ledger.NewMonitor(ledger.MonitorConfig{
				Ledger:     n.ledger,
				Thresholds: thresholds,
				Interval:   cfg.Settlement.pollingInterval(),
				Sink:       n.feed,
				Log:        n.log.Named("ledger"),
			})
		}
	}
	return nil
}

// staticPeerSecrets lets inbound sessions of configured outbound peers
// authenticate with the same secret we dial them with. Environment
// variables still take precedence.
func staticPeerSecrets(peers []PeerConfig) btp.StaticSecrets {
	secrets := make(btp.StaticSecrets, len(peers))
	for _, p := range peers {
		if p.Secret != "" {
			secrets[p.ID] = p.Secret
		}
	}
	return secrets
}

// Start brings up the BTP server, dials every configured peer and launches
// the settlement monitor. It is idempotent.
func (n *Node) Start() error {
	var err error
	n.startOnce.Do(func() {
		err = n.start()
	})
	return err
}

func (n *Node) start() error {
	if n.server != nil {
		if err := n.server.Listen(n.cfg.Node.ListenAddr); err != nil {
			return fmt.Errorf("node: BTP listen on %s: %w", n.cfg.Node.ListenAddr, err)
		}
	}
	for _, p := range n.cfg.Peers {
		if err := n.registry.AddPeer(btp.PeerConfig{ID: p.ID, URL: p.URL, Secret: p.Secret}); err != nil {
			return err
		}
	}
	if n.monitor != nil {
		n.monitor.Start()
	}
	n.log.Info("Connector started",
		zap.String("node", n.cfg.Node.ID),
		zap.String("listen", n.cfg.Node.ListenAddr),
		zap.Int("peers", len(n.cfg.Peers)),
		zap.Int("routes", n.table.Len()))
	return nil
}

// Stop tears everything down: stop accepting, disconnect peers, stop the
// monitor, close the feed and the ledger. Safe to call more than once.
func (n *Node) Stop() error {
	var err error
	n.stopOnce.Do(func() {
		var g errgroup.Group
		if n.server != nil {
			g.Go(n.server.Close)
		}
		g.Go(func() error {
			n.registry.Close()
			return nil
		})
		if n.monitor != nil {
			g.Go(func() error {
				n.monitor.Stop()
				return nil
			})
		}
		err = g.Wait()

		n.feed.Close()
		if cerr := n.ledger.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		n.log.Info("Connector stopped", zap.String("node", n.cfg.Node.ID))
	})
	return err
}

// BTPAddr returns the bound BTP listen address, or "" when the server is
// disabled or not started.
func (n *Node) BTPAddr() string {
	if n.server == nil {
		return ""
	}
	return n.server.Addr()
}

// Routes exposes the routing table for runtime mutation.
func (n *Node) Routes() *routing.Table { return n.table }

// Registry exposes the peer registry for runtime mutation and health.
func (n *Node) Registry() *btp.Registry { return n.registry }

// Ledger exposes the accounting store.
func (n *Node) Ledger() ledger.Ledger { return n.ledger }

// Monitor returns the settlement monitor, or nil when thresholds are not
// configured.
func (n *Node) Monitor() *ledger.Monitor { return n.monitor }

// Events returns the in-process event feed.
func (n *Node) Events() *events.Feed { return n.feed }

// Handler returns the packet pipeline, mainly for tests that inject
// packets without a transport.
func (n *Node) Handler() *connector.Handler { return n.handler }
