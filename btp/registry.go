// Copyright 2024 The ilpd Authors
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

package btp

import (
	"context"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/interledger-go/ilpd/ilp"
)

// Registry tracks all active BTP transports by peer id: outbound clients
// this node dialed and inbound sessions peers opened to us. A peer id may
// have one or both at any time.
type Registry struct {
	nodeID string
	log    *zap.Logger

	mu       sync.RWMutex
	outbound map[string]*Client
	inbound  map[string]*Endpoint
	closed   bool

	handlerMu sync.RWMutex
	handler   PrepareHandler
}

// NewRegistry creates an empty registry.
func NewRegistry(nodeID string, log *zap.Logger) *Registry {
	return &Registry{
		nodeID:   nodeID,
		log:      log,
		outbound: make(map[string]*Client),
		inbound:  make(map[string]*Endpoint),
	}
}

// SetHandler wires the packet handler. The registry and the handler
// reference each other, so both are constructed first and connected here.
func (r *Registry) SetHandler(h PrepareHandler) {
	r.handlerMu.Lock()
	r.handler = h
	r.handlerMu.Unlock()
}

// dispatch is the PrepareHandler installed on every endpoint. It defers
// the handler lookup to call time so endpoints can be built before the
// handler is wired.
func (r *Registry) dispatch(ctx context.Context, prepare *ilp.Prepare, fromPeer string) (ilp.Packet, error) {
	r.handlerMu.RLock()
	h := r.handler
	r.handlerMu.RUnlock()
	if h == nil {
		return nil, ErrShuttingDown
	}
	return h(ctx, prepare, fromPeer)
}

// AddPeer constructs an outbound client for the peer and starts its
// connect loop. Connect failures are retried in the background and never
// remove the peer.
func (r *Registry) AddPeer(cfg PeerConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrShuttingDown
	}
	if _, exists := r.outbound[cfg.ID]; exists {
		return nil
	}
	c := NewClient(r.nodeID, cfg, r.dispatch, r.log)
	r.outbound[cfg.ID] = c
	c.Start()
	r.log.Info("Peer added", zap.String("peer", cfg.ID), zap.String("url", cfg.URL))
	return nil
}

// RemovePeer disconnects and evicts both transports of a peer.
func (r *Registry) RemovePeer(peerID string) {
	r.mu.Lock()
	client := r.outbound[peerID]
	delete(r.outbound, peerID)
	session := r.inbound[peerID]
	delete(r.inbound, peerID)
	r.mu.Unlock()

	if client != nil {
		client.Close()
	}
	if session != nil {
		session.Close(websocket.CloseNormalClosure, "peer removed")
	}
	r.log.Info("Peer removed", zap.String("peer", peerID))
}

// registerInbound binds an authenticated session to the peer id asserted
// during the handshake. A newer session replaces an older one.
func (r *Registry) registerInbound(peerID string, ep *Endpoint) {
	r.mu.Lock()
	old := r.inbound[peerID]
	r.inbound[peerID] = ep
	r.mu.Unlock()
	if old != nil && old != ep && !old.Closed() {
		old.Close(websocket.CloseNormalClosure, "superseded by newer session")
	}
}

func (r *Registry) unregisterInbound(peerID string, ep *Endpoint) {
	r.mu.Lock()
	if r.inbound[peerID] == ep {
		delete(r.inbound, peerID)
	}
	r.mu.Unlock()
}

// SendToPeer forwards a Prepare to the given peer. The transport is chosen
// before the send: a connected outbound client wins over an inbound
// session, and there is no mid-send fallback. Falling back after a failed
// attempt risks duplicate delivery when the first transport already
// enqueued the frame.
func (r *Registry) SendToPeer(ctx context.Context, peerID string, prepare *ilp.Prepare) (ilp.Packet, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrShuttingDown
	}
	client := r.outbound[peerID]
	session := r.inbound[peerID]
	r.mu.RUnlock()

	switch {
	case client != nil && client.Connected():
		return client.SendPacket(ctx, prepare)
	case session != nil:
		return session.SendPacket(ctx, prepare)
	case client != nil:
		return nil, &ConnectionError{Peer: peerID, Err: ErrNotConnected}
	default:
		return nil, &ConnectionError{Peer: peerID, Err: ErrUnknownPeer}
	}
}

// Health reports per-peer connectivity across both transports.
func (r *Registry) Health() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := mapset.NewThreadUnsafeSet[string]()
	for id := range r.outbound {
		ids.Add(id)
	}
	for id := range r.inbound {
		ids.Add(id)
	}
	health := make(map[string]bool, ids.Cardinality())
	for id := range ids.Iter() {
		connected := false
		if c := r.outbound[id]; c != nil && c.Connected() {
			connected = true
		}
		if ep := r.inbound[id]; ep != nil && !ep.Closed() {
			connected = true
		}
		health[id] = connected
	}
	return health
}

// Counts returns the number of known peers and how many are connected.
func (r *Registry) Counts() (peers, connected int) {
	for _, up := range r.Health() {
		peers++
		if up {
			connected++
		}
	}
	return peers, connected
}

// Close tears down every transport and refuses further sends.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	clients := make([]*Client, 0, len(r.outbound))
	for _, c := range r.outbound {
		clients = append(clients, c)
	}
	sessions := make([]*Endpoint, 0, len(r.inbound))
	for _, ep := range r.inbound {
		sessions = append(sessions, ep)
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	for _, ep := range sessions {
		if !ep.Closed() {
			ep.Close(websocket.CloseNormalClosure, "server shutting down")
		}
	}
}
