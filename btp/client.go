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
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/interledger-go/ilpd/ilp"
)

const (
	dialTimeout        = 10 * time.Second
	maxReconnectDelay  = 60 * time.Second
	initReconnectDelay = time.Second
)

// authPayload is the JSON body of the "auth" protocol-data sub-frame.
type authPayload struct {
	PeerID string `json:"peerId"`
	Secret string `json:"secret"`
}

// PeerConfig describes one outbound BTP peer.
type PeerConfig struct {
	ID     string
	URL    string
	Secret string
}

// Client maintains one outbound BTP connection: it dials, authenticates,
// serves traffic, and reconnects forever with capped exponential backoff.
type Client struct {
	cfg     PeerConfig
	nodeID  string
	handler PrepareHandler
	log     *zap.Logger

	mu        sync.RWMutex
	ep        *Endpoint
	connected bool

	quit chan struct{}
	done chan struct{}
}

// NewClient creates a client for the given peer. Start must be called to
// begin connecting.
func NewClient(nodeID string, cfg PeerConfig, handler PrepareHandler, log *zap.Logger) *Client {
	return &Client{
		cfg:     cfg,
		nodeID:  nodeID,
		handler: handler,
		log:     log.With(zap.String("peer", cfg.ID)),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// ID returns the configured peer id.
func (c *Client) ID() string { return c.cfg.ID }

// Connected reports whether an authenticated connection is currently up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// LastSeen returns the time of the last frame received from the peer, or
// the zero time if the peer was never connected.
func (c *Client) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ep == nil {
		return time.Time{}
	}
	return c.ep.LastSeen()
}

// Start launches the connect loop.
func (c *Client) Start() {
	go c.run()
}

func (c *Client) run() {
	defer close(c.done)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initReconnectDelay
	bo.MaxInterval = maxReconnectDelay
	bo.MaxElapsedTime = 0 // retry forever

	for {
		select {
		case <-c.quit:
			return
		default:
		}
		ep, err := c.connect()
		if err != nil {
			delay := bo.NextBackOff()
			c.log.Warn("Connection attempt failed", zap.Error(err), zap.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
				continue
			case <-c.quit:
				return
			}
		}
		bo.Reset()
		c.log.Info("Peer connected", zap.String("url", c.cfg.URL))
		connectedPeersGauge.Inc()
		c.mu.Lock()
		c.ep = ep
		c.connected = true
		c.mu.Unlock()

		err = ep.Wait()
		connectedPeersGauge.Dec()
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		c.log.Warn("Peer disconnected", zap.Error(err))
	}
}

// connect dials, completes the authentication handshake, and returns a
// serving endpoint. Authentication must finish before any other traffic.
func (c *Client) connect() (*Endpoint, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		return nil, &ConnectionError{Peer: c.cfg.ID, Err: err}
	}
	ep := newEndpoint(conn, c.log)
	ep.setPeerID(c.cfg.ID)
	ep.Start()

	if err := c.authenticate(ep); err != nil {
		ep.Close(websocket.ClosePolicyViolation, "authentication failed")
		return nil, err
	}
	ep.serveILP(c.handler)
	return ep, nil
}

func (c *Client) authenticate(ep *Endpoint) error {
	body, err := json.Marshal(authPayload{PeerID: c.nodeID, Secret: c.cfg.Secret})
	if err != nil {
		return err
	}
	frame := &Frame{
		Type:      TypeMessage,
		RequestID: newRequestID(),
		ProtocolData: []ProtocolData{
			{Name: SubProtoAuth, ContentType: ContentJSON, Data: body},
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()
	_, err = ep.Request(ctx, frame, defaultRequestTimeout)
	if err != nil {
		var btpErr *Error
		if errors.As(err, &btpErr) {
			return &AuthenticationError{Peer: c.cfg.ID, Reason: btpErr.Name}
		}
		return &AuthenticationError{Peer: c.cfg.ID, Reason: err.Error()}
	}
	return nil
}

// SendPacket forwards a Prepare on the current connection. It fails with a
// ConnectionError when the peer is down; the caller decides whether and
// where to retry.
func (c *Client) SendPacket(ctx context.Context, prepare *ilp.Prepare) (ilp.Packet, error) {
	c.mu.RLock()
	ep, connected := c.ep, c.connected
	c.mu.RUnlock()
	if !connected || ep == nil {
		return nil, &ConnectionError{Peer: c.cfg.ID, Err: ErrNotConnected}
	}
	return ep.SendPacket(ctx, prepare)
}

// Close stops reconnecting and tears down the current connection.
func (c *Client) Close() {
	select {
	case <-c.quit:
		return
	default:
	}
	close(c.quit)
	c.mu.RLock()
	ep := c.ep
	c.mu.RUnlock()
	if ep != nil && !ep.Closed() {
		ep.Close(websocket.CloseNormalClosure, "client shutting down")
	}
	<-c.done
}
