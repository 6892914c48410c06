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
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/interledger-go/ilpd/ilp"
)

// wsPipe returns two connected WebSocket endpoints backed by a real
// in-process server.
func wsPipe(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		accepted <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	server := <-accepted
	t.Cleanup(func() { server.Close() })
	return client, server
}

func endpointPair(t *testing.T) (*Endpoint, *Endpoint) {
	t.Helper()
	cc, sc := wsPipe(t)
	logger := zaptest.NewLogger(t)
	a := newEndpoint(cc, logger)
	b := newEndpoint(sc, logger)
	a.setPeerID("b")
	b.setPeerID("a")
	t.Cleanup(func() {
		a.teardown(errors.New("test over"))
		b.teardown(errors.New("test over"))
	})
	return a, b
}

func pipePrepare(ttl time.Duration) *ilp.Prepare {
	p := &ilp.Prepare{
		Amount:      1000,
		ExpiresAt:   time.Now().Add(ttl).UTC().Truncate(time.Millisecond),
		Destination: "g.alice.wallet",
		Data:        []byte{},
	}
	for i := range p.ExecutionCondition {
		p.ExecutionCondition[i] = 0xaa
	}
	return p
}

func TestSendPacketFulfilled(t *testing.T) {
	a, b := endpointPair(t)
	var fulfillment [32]byte
	for i := range fulfillment {
		fulfillment[i] = 0xbb
	}
	b.serveILP(func(ctx context.Context, p *ilp.Prepare, fromPeer string) (ilp.Packet, error) {
		require.Equal(t, "a", fromPeer)
		require.Equal(t, uint64(1000), p.Amount)
		return &ilp.Fulfill{Fulfillment: fulfillment, Data: []byte{}}, nil
	})
	a.Start()
	b.Start()

	pkt, err := a.SendPacket(context.Background(), pipePrepare(10*time.Second))
	require.NoError(t, err)
	require.Equal(t, fulfillment, pkt.(*ilp.Fulfill).Fulfillment)
}

func TestSendPacketRejected(t *testing.T) {
	a, b := endpointPair(t)
	b.serveILP(func(ctx context.Context, p *ilp.Prepare, fromPeer string) (ilp.Packet, error) {
		return ilp.NewReject(ilp.CodeUnreachable, "g.b", "No route to destination: g.alice.wallet"), nil
	})
	a.Start()
	b.Start()

	pkt, err := a.SendPacket(context.Background(), pipePrepare(10*time.Second))
	require.NoError(t, err)
	reject := pkt.(*ilp.Reject)
	require.Equal(t, ilp.CodeUnreachable, reject.Code)
}

func TestHandlerErrorBecomesBTPError(t *testing.T) {
	a, b := endpointPair(t)
	b.serveILP(func(ctx context.Context, p *ilp.Prepare, fromPeer string) (ilp.Packet, error) {
		return nil, errors.New("boom")
	})
	a.Start()
	b.Start()

	_, err := a.SendPacket(context.Background(), pipePrepare(10*time.Second))
	var btpErr *Error
	require.ErrorAs(t, err, &btpErr)
	require.Equal(t, ilp.CodeBadRequest, btpErr.Code)
}

func TestRequestTimeout(t *testing.T) {
	a, b := endpointPair(t)
	b.setMessageHandler(func(f *Frame) {}) // swallow, never answer
	a.Start()
	b.Start()

	start := time.Now()
	_, err := a.SendPacket(context.Background(), pipePrepare(800*time.Millisecond))
	require.ErrorIs(t, err, ErrRequestTimeout)
	// Deadline is floored at the minimum timeout.
	require.GreaterOrEqual(t, time.Since(start), minRequestTimeout)
}

func TestConnectionLossFailsPending(t *testing.T) {
	a, b := endpointPair(t)
	b.setMessageHandler(func(f *Frame) {}) // swallow
	a.Start()
	b.Start()

	errc := make(chan error, 1)
	go func() {
		_, err := a.SendPacket(context.Background(), pipePrepare(time.Minute))
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	b.teardown(errors.New("peer went away"))

	select {
	case err := <-errc:
		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request not failed on connection loss")
	}
}

func TestCallerContextCancelsRequest(t *testing.T) {
	a, b := endpointPair(t)
	b.setMessageHandler(func(f *Frame) {})
	a.Start()
	b.Start()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := a.SendPacket(ctx, pipePrepare(time.Minute))
	require.ErrorIs(t, err, context.Canceled)
}

// Exceeding the pending-request bound forces a disconnect and fails every
// in-flight request.
func TestPendingRequestBoundForcesDisconnect(t *testing.T) {
	a, b := endpointPair(t)
	b.setMessageHandler(func(f *Frame) {}) // swallow, never answer
	a.Start()
	b.Start()

	errc := make(chan error, 1)
	go func() {
		_, err := a.SendPacket(context.Background(), pipePrepare(time.Minute))
		errc <- err
	}()
	require.Eventually(t, func() bool {
		a.pmu.Lock()
		defer a.pmu.Unlock()
		return len(a.pending) == 1
	}, time.Second, 5*time.Millisecond)

	// Fill the map to the bound behind the in-flight request.
	a.pmu.Lock()
	for id := uint32(0); len(a.pending) < maxPendingRequests; id++ {
		if _, ok := a.pending[id]; !ok {
			a.pending[id] = make(chan *Frame, 1)
		}
	}
	a.pmu.Unlock()

	_, err := a.register(newRequestID())
	require.ErrorIs(t, err, ErrTooManyPending)

	require.Eventually(t, a.Closed, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, a.Wait(), ErrTooManyPending)

	select {
	case err := <-errc:
		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight request not failed on forced disconnect")
	}
}

func TestRequestIDCollision(t *testing.T) {
	a, _ := endpointPair(t)
	_, err := a.register(7)
	require.NoError(t, err)
	_, err = a.register(7)
	require.ErrorIs(t, err, ErrRequestIDCollision)
}

func TestTimeoutForExpiry(t *testing.T) {
	now := time.Now()
	require.Equal(t, defaultRequestTimeout, timeoutForExpiry(time.Time{}, now))
	require.Equal(t, 10*time.Second-expiryTimeoutMargin, timeoutForExpiry(now.Add(10*time.Second), now))
	require.Equal(t, minRequestTimeout, timeoutForExpiry(now.Add(time.Second), now))
	require.Equal(t, minRequestTimeout, timeoutForExpiry(now.Add(-time.Second), now))
}
