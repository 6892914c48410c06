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
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/interledger-go/ilpd/ilp"
)

const (
	// authHandshakeTimeout bounds how long an inbound session may stay
	// unauthenticated.
	authHandshakeTimeout = 10 * time.Second

	// authFailureGrace lets the ERROR frame flush before the socket is
	// closed with a policy-violation status.
	authFailureGrace = 100 * time.Millisecond

	serverShutdownTimeout = 5 * time.Second
)

// SecretSource resolves the expected shared secret for a declared peer id.
// A peer with no configured secret is rejected.
type SecretSource interface {
	Secret(peerID string) (string, bool)
}

// StaticSecrets is a SecretSource backed by a fixed map.
type StaticSecrets map[string]string

// Secret implements SecretSource.
func (s StaticSecrets) Secret(peerID string) (string, bool) {
	secret, ok := s[peerID]
	return secret, ok
}

// EnvSecrets resolves secrets from BTP_PEER_<UPPER_SNAKE_ID>_SECRET
// environment variables, falling back to an optional inner source.
type EnvSecrets struct {
	Fallback SecretSource
}

// Secret implements SecretSource.
func (s EnvSecrets) Secret(peerID string) (string, bool) {
	key := "BTP_PEER_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(peerID)) + "_SECRET"
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v, true
	}
	if s.Fallback != nil {
		return s.Fallback.Secret(peerID)
	}
	return "", false
}

// Server accepts inbound BTP connections, authenticates them, and hands
// authenticated sessions to the registry.
type Server struct {
	nodeID   string
	secrets  SecretSource
	registry *Registry
	log      *zap.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	listener net.Listener

	mu       sync.Mutex
	sessions map[*Endpoint]struct{}
	closed   bool
}

// NewServer creates a BTP server. Sessions authenticate against secrets
// and are registered under their asserted peer id in registry.
func NewServer(nodeID string, secrets SecretSource, registry *Registry, log *zap.Logger) *Server {
	return &Server{
		nodeID:   nodeID,
		secrets:  secrets,
		registry: registry,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// BTP peers are not browsers; the shared secret is the
			// authentication boundary, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[*Endpoint]struct{}),
	}
}

// Listen binds addr and starts accepting connections.
func (s *Server) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = l
	s.httpSrv = &http.Server{Handler: s}
	go func() {
		if err := s.httpSrv.Serve(l); err != nil && err != http.ErrServerClosed {
			s.log.Error("BTP server terminated", zap.Error(err))
		}
	}()
	s.log.Info("BTP server listening", zap.String("addr", l.Addr().String()))
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ServeHTTP upgrades the connection and drives the session through the
// authentication handshake.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	ep := newEndpoint(conn, s.log)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ep.Close(websocket.CloseNormalClosure, "server shutting down")
		return
	}
	s.sessions[ep] = struct{}{}
	s.mu.Unlock()

	s.runSession(ep, r.RemoteAddr)
}

func (s *Server) runSession(ep *Endpoint, remote string) {
	authed := make(chan string, 1)
	ep.setMessageHandler(func(f *Frame) {
		peerID, ok := s.authenticate(ep, f, remote)
		if !ok {
			return // session is being torn down
		}
		select {
		case authed <- peerID:
		default:
		}
	})
	ep.Start()

	// Unauthenticated sessions may not perform any other operation; cut
	// them off if the handshake does not complete in time.
	var peerID string
	select {
	case peerID = <-authed:
	case <-time.After(authHandshakeTimeout):
		s.log.Debug("Inbound session authentication timeout", zap.String("remote", remote))
		ep.Close(websocket.ClosePolicyViolation, "authentication timeout")
		s.dropSession(ep)
		return
	case <-ep.closed:
		s.dropSession(ep)
		return
	}

	s.registry.registerInbound(peerID, ep)
	connectedPeersGauge.Inc()
	err := ep.Wait()
	connectedPeersGauge.Dec()
	s.registry.unregisterInbound(peerID, ep)
	s.dropSession(ep)
	s.log.Info("Inbound session closed", zap.String("peer", peerID), zap.Error(err))
}

// authenticate processes the first MESSAGE of a session. It returns the
// asserted peer id on success; on failure the session is closed with
// WebSocket status 1008 after a short grace.
func (s *Server) authenticate(ep *Endpoint, f *Frame, remote string) (string, bool) {
	fail := func(reason string) {
		authFailureCounter.Inc()
		s.log.Warn("Inbound authentication failed",
			zap.String("remote", remote), zap.String("reason", reason))
		ep.writeError(f.RequestID, ilp.CodeBadRequest, "authentication failed")
		time.Sleep(authFailureGrace)
		ep.Close(websocket.ClosePolicyViolation, "authentication failed")
	}

	sub, ok := f.SubFrame(SubProtoAuth)
	if !ok {
		fail("first message carries no auth sub-frame")
		return "", false
	}
	var auth authPayload
	if err := json.Unmarshal(sub.Data, &auth); err != nil || auth.PeerID == "" {
		fail("malformed auth payload")
		return "", false
	}
	expected, ok := s.secrets.Secret(auth.PeerID)
	if !ok {
		fail("unknown peer " + auth.PeerID)
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(auth.Secret)) != 1 {
		fail("bad secret for peer " + auth.PeerID)
		return "", false
	}

	// Promote the session: bind the peer id, switch to ILP traffic, and
	// ack with an empty RESPONSE keyed to the auth request.
	ep.setPeerID(auth.PeerID)
	ep.serveILP(s.registry.dispatch)
	if err := ep.WriteFrame(&Frame{Type: TypeResponse, RequestID: f.RequestID}); err != nil {
		s.log.Debug("Cannot ack authentication", zap.Error(err))
		return "", false
	}
	s.log.Info("Inbound peer authenticated",
		zap.String("peer", auth.PeerID), zap.String("remote", remote))
	return auth.PeerID, true
}

func (s *Server) dropSession(ep *Endpoint) {
	s.mu.Lock()
	delete(s.sessions, ep)
	s.mu.Unlock()
}

// Close stops accepting connections and closes every live session with
// WebSocket status 1000.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*Endpoint, 0, len(s.sessions))
	for ep := range s.sessions {
		sessions = append(sessions, ep)
	}
	s.mu.Unlock()

	for _, ep := range sessions {
		ep.Close(websocket.CloseNormalClosure, "server shutting down")
	}
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}
