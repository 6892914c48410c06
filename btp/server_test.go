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
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/interledger-go/ilpd/ilp"
)

func startServer(t *testing.T, secrets SecretSource) (*Server, *Registry, string) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	registry := NewRegistry("connector", logger)
	srv := NewServer("connector", secrets, registry, logger)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	t.Cleanup(func() {
		registry.Close()
		srv.Close()
	})
	return srv, registry, "ws://" + srv.Addr()
}

func rawDial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, f *Frame) {
	t.Helper()
	b, err := Marshal(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, b))
}

func readFrame(t *testing.T, conn *websocket.Conn) *Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := Unmarshal(b)
	require.NoError(t, err)
	return f
}

func authFrame(t *testing.T, requestID uint32, peerID, secret string) *Frame {
	t.Helper()
	body, err := json.Marshal(authPayload{PeerID: peerID, Secret: secret})
	require.NoError(t, err)
	return &Frame{
		Type:      TypeMessage,
		RequestID: requestID,
		ProtocolData: []ProtocolData{
			{Name: SubProtoAuth, ContentType: ContentJSON, Data: body},
		},
	}
}

func TestServerAuthSuccess(t *testing.T) {
	_, registry, url := startServer(t, StaticSecrets{"alice": "hunter2"})
	conn := rawDial(t, url)

	sendFrame(t, conn, authFrame(t, 99, "alice", "hunter2"))
	resp := readFrame(t, conn)
	require.Equal(t, TypeResponse, resp.Type)
	require.Equal(t, uint32(99), resp.RequestID)

	// The session is registered under the asserted peer id.
	require.Eventually(t, func() bool {
		up, ok := registry.Health()["alice"]
		return ok && up
	}, time.Second, 10*time.Millisecond)
}

func TestServerAuthWrongSecret(t *testing.T) {
	_, _, url := startServer(t, StaticSecrets{"alice": "hunter2"})
	conn := rawDial(t, url)

	sendFrame(t, conn, authFrame(t, 7, "alice", "wrong"))
	resp := readFrame(t, conn)
	require.Equal(t, TypeError, resp.Type)
	require.Equal(t, ilp.CodeBadRequest, resp.Err.Code)
	require.Contains(t, resp.Err.Name, "authentication")

	// After the grace delay the socket is closed with status 1008.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected close 1008, got %v", err)
}

func TestServerAuthUnknownPeer(t *testing.T) {
	_, _, url := startServer(t, StaticSecrets{})
	conn := rawDial(t, url)

	sendFrame(t, conn, authFrame(t, 1, "mallory", "x"))
	resp := readFrame(t, conn)
	require.Equal(t, TypeError, resp.Type)
	require.Contains(t, resp.Err.Name, "authentication")
}

func TestServerRejectsTrafficBeforeAuth(t *testing.T) {
	_, _, url := startServer(t, StaticSecrets{"alice": "hunter2"})
	conn := rawDial(t, url)

	f, err := NewILPMessage(5, pipePrepare(10*time.Second))
	require.NoError(t, err)
	sendFrame(t, conn, f)

	resp := readFrame(t, conn)
	require.Equal(t, TypeError, resp.Type)
	require.Contains(t, resp.Err.Name, "authentication")
}

// TestClientServerForwarding runs the full handshake with a real Client
// and exercises the symmetric send path from server to inbound session.
func TestClientServerForwarding(t *testing.T) {
	logger := zaptest.NewLogger(t)
	_, registry, url := startServer(t, StaticSecrets{"downstream": "tok"})

	var fulfillment [32]byte
	fulfillment[0] = 0xcc
	client := NewClient("downstream", PeerConfig{ID: "upstream", URL: url, Secret: "tok"},
		func(ctx context.Context, p *ilp.Prepare, fromPeer string) (ilp.Packet, error) {
			return &ilp.Fulfill{Fulfillment: fulfillment, Data: []byte{}}, nil
		}, logger)
	client.Start()
	t.Cleanup(client.Close)

	require.Eventually(t, client.Connected, 5*time.Second, 10*time.Millisecond)

	// The server sends through the inbound session registered at auth.
	pkt, err := registry.SendToPeer(context.Background(), "downstream", pipePrepare(10*time.Second))
	require.NoError(t, err)
	require.Equal(t, fulfillment, pkt.(*ilp.Fulfill).Fulfillment)
	require.False(t, client.LastSeen().IsZero())
}

func TestRegistryTransportSelection(t *testing.T) {
	logger := zaptest.NewLogger(t)
	registry := NewRegistry("connector", logger)
	t.Cleanup(registry.Close)

	_, err := registry.SendToPeer(context.Background(), "ghost", pipePrepare(time.Minute))
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.ErrorIs(t, err, ErrUnknownPeer)

	// An outbound peer that never connects fails fast without fallback.
	require.NoError(t, registry.AddPeer(PeerConfig{ID: "down", URL: "ws://127.0.0.1:1", Secret: "s"}))
	_, err = registry.SendToPeer(context.Background(), "down", pipePrepare(time.Minute))
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestEnvSecrets(t *testing.T) {
	t.Setenv("BTP_PEER_NODE_B_SECRET", "from-env")
	src := EnvSecrets{Fallback: StaticSecrets{"other": "static"}}

	secret, ok := src.Secret("node-b")
	require.True(t, ok)
	require.Equal(t, "from-env", secret)

	secret, ok = src.Secret("other")
	require.True(t, ok)
	require.Equal(t, "static", secret)

	_, ok = src.Secret("missing")
	require.False(t, ok)
}
