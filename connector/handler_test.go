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

package connector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/interledger-go/ilpd/btp"
	"github.com/interledger-go/ilpd/events"
	"github.com/interledger-go/ilpd/ilp"
	"github.com/interledger-go/ilpd/ledger"
	"github.com/interledger-go/ilpd/routing"
)

const testNodeID = ilp.Address("g.testnode")

// fakePeers scripts the outcome of the outgoing hop and captures what was
// sent.
type fakePeers struct {
	sentTo   string
	sent     *ilp.Prepare
	response ilp.Packet
	err      error
}

func (f *fakePeers) SendToPeer(ctx context.Context, peerID string, prepare *ilp.Prepare) (ilp.Packet, error) {
	f.sentTo = peerID
	f.sent = prepare
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

// sliceSink records events synchronously; HandlePrepare runs on the test
// goroutine so no locking is needed.
type sliceSink struct {
	evs []events.Event
}

func (s *sliceSink) Emit(ev events.Event) { s.evs = append(s.evs, ev) }

func (s *sliceSink) types() []events.Type {
	var out []events.Type
	for _, ev := range s.evs {
		out = append(out, ev.Type)
	}
	return out
}

type handlerFixture struct {
	handler *Handler
	routes  *routing.Table
	peers   *fakePeers
	sink    *sliceSink
}

type fixtureOption func(*Config)

func withSettlement(feePct float64, l ledger.Ledger) fixtureOption {
	return func(cfg *Config) {
		cfg.SettlementEnabled = true
		cfg.FeePercentage = feePct
		cfg.Ledger = l
	}
}

func withLocal(d Deliverer) fixtureOption {
	return func(cfg *Config) { cfg.Local = d }
}

func newFixture(t *testing.T, opts ...fixtureOption) *handlerFixture {
	t.Helper()
	f := &handlerFixture{
		routes: routing.NewTable(),
		peers:  &fakePeers{},
		sink:   &sliceSink{},
	}
	cfg := Config{
		NodeID: testNodeID,
		Routes: f.routes,
		Peers:  f.peers,
		Sink:   f.sink,
		Log:    zaptest.NewLogger(t),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	f.handler = New(cfg)
	return f
}

func testPrepare(amount uint64, ttl time.Duration) *ilp.Prepare {
	p := &ilp.Prepare{
		Amount:      amount,
		ExpiresAt:   time.Now().Add(ttl),
		Destination: "g.alice.wallet",
	}
	for i := range p.ExecutionCondition {
		p.ExecutionCondition[i] = 0xAA
	}
	return p
}

func testFulfill() *ilp.Fulfill {
	f := &ilp.Fulfill{}
	for i := range f.Fulfillment {
		f.Fulfillment[i] = 0xBB
	}
	return f
}

func requireReject(t *testing.T, pkt ilp.Packet, code string) *ilp.Reject {
	t.Helper()
	reject, ok := pkt.(*ilp.Reject)
	require.True(t, ok, "expected Reject, got %T", pkt)
	require.Equal(t, code, reject.Code)
	require.Equal(t, testNodeID, reject.TriggeredBy)
	return reject
}

func TestHappyForward(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.routes.AddRoute("g.alice", "peerA", 0))
	f.peers.response = testFulfill()

	prepare := testPrepare(1000, 10*time.Second)
	resp, err := f.handler.HandlePrepare(context.Background(), prepare, "peerB")
	require.NoError(t, err)

	fulfill, ok := resp.(*ilp.Fulfill)
	require.True(t, ok)
	require.Equal(t, testFulfill().Fulfillment, fulfill.Fulfillment)

	require.Equal(t, "peerA", f.peers.sentTo)
	require.Equal(t, uint64(1000), f.peers.sent.Amount)
	require.Equal(t, prepare.ExpiresAt.Add(-time.Second), f.peers.sent.ExpiresAt)
	require.Equal(t, prepare.ExecutionCondition, f.peers.sent.ExecutionCondition)

	require.Equal(t, []events.Type{
		events.PacketReceived, events.RouteLookup,
		events.PacketForwarded, events.PacketFulfilled,
	}, f.sink.types())
}

func TestNoRoute(t *testing.T) {
	f := newFixture(t)

	resp, err := f.handler.HandlePrepare(context.Background(), testPrepare(1000, 10*time.Second), "peerB")
	require.NoError(t, err)

	reject := requireReject(t, resp, ilp.CodeUnreachable)
	require.Contains(t, reject.Message, "g.alice.wallet")
	require.Nil(t, f.peers.sent)
}

func TestExpiredOnEntry(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.routes.AddRoute("g.alice", "peerA", 0))

	resp, err := f.handler.HandlePrepare(context.Background(), testPrepare(1000, -5*time.Second), "peerB")
	require.NoError(t, err)

	reject := requireReject(t, resp, ilp.CodeTransferTimedOut)
	require.Equal(t, "Packet has expired", reject.Message)
	require.Nil(t, f.peers.sent)
}

func TestInsufficientTimeToForward(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.routes.AddRoute("g.alice", "peerA", 0))

	// Alive now, dead after the 1s margin comes off.
	resp, err := f.handler.HandlePrepare(context.Background(), testPrepare(1000, 500*time.Millisecond), "peerB")
	require.NoError(t, err)

	reject := requireReject(t, resp, ilp.CodeTransferTimedOut)
	require.Equal(t, "Insufficient time remaining for forwarding", reject.Message)
	require.Nil(t, f.peers.sent)
}

func TestInvalidPacket(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.routes.AddRoute("g.alice", "peerA", 0))

	bad := testPrepare(1000, 10*time.Second)
	bad.Destination = "G.UPPERCASE"
	resp, err := f.handler.HandlePrepare(context.Background(), bad, "peerB")
	require.NoError(t, err)
	requireReject(t, resp, ilp.CodeInvalidPacket)

	zeroAmount := testPrepare(0, 10*time.Second)
	resp, err = f.handler.HandlePrepare(context.Background(), zeroAmount, "peerB")
	require.NoError(t, err)
	requireReject(t, resp, ilp.CodeInvalidPacket)
}

func TestFeeCalculation(t *testing.T) {
	store, err := ledger.NewMemStore(nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	f := newFixture(t, withSettlement(0.1, store)) // 10 basis points
	require.NoError(t, f.routes.AddRoute("g.alice", "peerA", 0))
	f.peers.response = testFulfill()

	_, err = f.handler.HandlePrepare(context.Background(), testPrepare(100000, 10*time.Second), "peerB")
	require.NoError(t, err)
	require.Equal(t, uint64(99900), f.peers.sent.Amount)

	// Below the fee resolution nothing is deducted.
	small := testPrepare(999, 10*time.Second)
	small.ExecutionCondition[0] = 0xCC // distinct transfer ids
	_, err = f.handler.HandlePrepare(context.Background(), small, "peerB")
	require.NoError(t, err)
	require.Equal(t, uint64(999), f.peers.sent.Amount)

	// Both legs of the first packet landed in the ledger.
	debit, _, err := store.Balances(context.Background(), "peerB", "ILP")
	require.NoError(t, err)
	require.Equal(t, uint64(100999), debit.Uint64())
	_, credit, err := store.Balances(context.Background(), "peerA", "ILP")
	require.NoError(t, err)
	require.Equal(t, uint64(100899), credit.Uint64())
}

// Out-of-range fee percentages must never make the forwarded amount
// exceed the incoming one.
func TestFeePercentageClamped(t *testing.T) {
	cases := []struct {
		name        string
		feePct      float64
		wantForward uint64
	}{
		{"over 100 percent", 200, 0},
		{"exactly 100 percent", 100, 0},
		{"negative", -5, 1000},
		{"nan", math.NaN(), 1000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, withSettlement(tc.feePct, ledger.Nop{}))
			require.NoError(t, f.routes.AddRoute("g.alice", "peerA", 0))
			f.peers.response = testFulfill()

			prepare := testPrepare(1000, 10*time.Second)
			_, err := f.handler.HandlePrepare(context.Background(), prepare, "peerB")
			require.NoError(t, err)
			require.Equal(t, tc.wantForward, f.peers.sent.Amount)
			require.LessOrEqual(t, f.peers.sent.Amount, prepare.Amount)
		})
	}
}

func TestCreditLimitViolation(t *testing.T) {
	limits := &ledger.Limits{PerPeer: map[string]*uint256.Int{"peerB": uint256.NewInt(5000)}}
	store, err := ledger.NewMemStore(limits, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	f := newFixture(t, withSettlement(0, store))
	require.NoError(t, f.routes.AddRoute("g.alice", "peerA", 0))
	f.peers.response = testFulfill()

	// Bring peerB's debit balance to 4500.
	seed := testPrepare(4500, 10*time.Second)
	_, err = f.handler.HandlePrepare(context.Background(), seed, "peerB")
	require.NoError(t, err)

	over := testPrepare(600, 10*time.Second)
	over.ExecutionCondition[0] = 0xDD
	resp, err := f.handler.HandlePrepare(context.Background(), over, "peerB")
	require.NoError(t, err)

	reject := requireReject(t, resp, ilp.CodeInsufficientLiquidity)
	require.Equal(t, "Credit limit exceeded: peer peerB would owe 100 units over limit of 5000", reject.Message)

	// No new transfers were recorded.
	debit, _, err := store.Balances(context.Background(), "peerB", "ILP")
	require.NoError(t, err)
	require.Equal(t, uint64(4500), debit.Uint64())
}

type failingLedger struct {
	ledger.Nop
}

func (failingLedger) RecordPacketTransfers(context.Context, ledger.PacketTransfers) error {
	return errors.New("disk on fire")
}

func TestSettlementRecordingFailure(t *testing.T) {
	f := newFixture(t, withSettlement(0, failingLedger{}))
	require.NoError(t, f.routes.AddRoute("g.alice", "peerA", 0))

	resp, err := f.handler.HandlePrepare(context.Background(), testPrepare(1000, 10*time.Second), "peerB")
	require.NoError(t, err)

	reject := requireReject(t, resp, ilp.CodeInternalError)
	require.Contains(t, reject.Message, "Settlement recording failed")
	require.Nil(t, f.peers.sent)
}

func TestForwardErrorMapping(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantCode string
		wantMsg  string
	}{
		{"connection down", &btp.ConnectionError{Peer: "peerA", Err: btp.ErrNotConnected}, ilp.CodePeerUnreachable, "peer unreachable"},
		{"unknown peer", &btp.ConnectionError{Peer: "peerA", Err: btp.ErrUnknownPeer}, ilp.CodePeerUnreachable, "peer unreachable"},
		{"auth failed", &btp.AuthenticationError{Peer: "peerA", Reason: "bad secret"}, ilp.CodePeerUnreachable, "peer unreachable"},
		{"request timeout", btp.ErrRequestTimeout, ilp.CodeTransferTimedOut, "transfer timed out"},
		{"context deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), ilp.CodeTransferTimedOut, "transfer timed out"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			require.NoError(t, f.routes.AddRoute("g.alice", "peerA", 0))
			f.peers.err = tc.err

			resp, err := f.handler.HandlePrepare(context.Background(), testPrepare(1000, 10*time.Second), "peerB")
			require.NoError(t, err)
			reject := requireReject(t, resp, tc.wantCode)
			require.Equal(t, tc.wantMsg, reject.Message)
		})
	}
}

func TestForwardUnclassifiedErrorBubbles(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.routes.AddRoute("g.alice", "peerA", 0))
	f.peers.err = errors.New("codec exploded")

	resp, err := f.handler.HandlePrepare(context.Background(), testPrepare(1000, 10*time.Second), "peerB")
	require.Error(t, err)
	require.Nil(t, resp)
}

func TestForwardedRejectPassesThrough(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.routes.AddRoute("g.alice", "peerA", 0))
	f.peers.response = ilp.NewReject(ilp.CodeApplicationError, "g.alice", "no thanks")

	resp, err := f.handler.HandlePrepare(context.Background(), testPrepare(1000, 10*time.Second), "peerB")
	require.NoError(t, err)

	reject, ok := resp.(*ilp.Reject)
	require.True(t, ok)
	require.Equal(t, ilp.CodeApplicationError, reject.Code)
	require.Equal(t, ilp.Address("g.alice"), reject.TriggeredBy)

	require.Equal(t, []events.Type{
		events.PacketReceived, events.RouteLookup,
		events.PacketForwarded, events.PacketRejected,
	}, f.sink.types())
}

func TestLocalEchoDefault(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.routes.AddRoute("g.testnode", ilp.LocalPeer, 0))

	prepare := testPrepare(1000, 10*time.Second)
	prepare.Destination = "g.testnode.wallet"
	resp, err := f.handler.HandlePrepare(context.Background(), prepare, "peerB")
	require.NoError(t, err)

	fulfill, ok := resp.(*ilp.Fulfill)
	require.True(t, ok)
	require.Equal(t, prepare.ExecutionCondition, fulfill.Fulfillment)
	require.Nil(t, f.peers.sent)
}

func TestLocalDeliverFunc(t *testing.T) {
	var got *DeliveryRequest
	local := DeliverFunc(func(ctx context.Context, req *DeliveryRequest) (*DeliveryOutcome, error) {
		got = req
		return &DeliveryOutcome{Reject: &DeliveryReject{Code: ilp.CodeUnexpectedPayment, Message: "not today"}}, nil
	})
	f := newFixture(t, withLocal(local))
	require.NoError(t, f.routes.AddRoute("g.testnode", ilp.LocalPeer, 0))

	prepare := testPrepare(1234, 10*time.Second)
	prepare.Destination = "g.testnode.wallet"
	prepare.Data = []byte("hello")
	resp, err := f.handler.HandlePrepare(context.Background(), prepare, "peerB")
	require.NoError(t, err)

	reject := requireReject(t, resp, ilp.CodeUnexpectedPayment)
	require.Equal(t, "not today", reject.Message)

	require.Equal(t, "g.testnode.wallet", got.Destination)
	require.Equal(t, "1234", got.Amount)
	require.Equal(t, base64.StdEncoding.EncodeToString(prepare.ExecutionCondition[:]), got.ExecutionCondition)
	require.Equal(t, base64.StdEncoding.EncodeToString([]byte("hello")), got.Data)
	require.Equal(t, "peerB", got.SourcePeer)
}

func TestLocalDeliveryFailureIsT00(t *testing.T) {
	cases := []struct {
		name  string
		local Deliverer
	}{
		{"handler error", DeliverFunc(func(context.Context, *DeliveryRequest) (*DeliveryOutcome, error) {
			return nil, errors.New("boom")
		})},
		{"empty outcome", DeliverFunc(func(context.Context, *DeliveryRequest) (*DeliveryOutcome, error) {
			return &DeliveryOutcome{}, nil
		})},
		{"bad fulfillment", DeliverFunc(func(context.Context, *DeliveryRequest) (*DeliveryOutcome, error) {
			return &DeliveryOutcome{Fulfill: &DeliveryFulfill{Fulfillment: "too short"}}, nil
		})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, withLocal(tc.local))
			require.NoError(t, f.routes.AddRoute("g.testnode", ilp.LocalPeer, 0))

			prepare := testPrepare(1000, 10*time.Second)
			prepare.Destination = "g.testnode.wallet"
			resp, err := f.handler.HandlePrepare(context.Background(), prepare, "peerB")
			require.NoError(t, err)
			requireReject(t, resp, ilp.CodeInternalError)
		})
	}
}

func TestHTTPDeliverer(t *testing.T) {
	var fulfillment [ilp.ConditionSize]byte
	for i := range fulfillment {
		fulfillment[i] = 0xEE
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req DeliveryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "g.testnode.wallet", req.Destination)
		json.NewEncoder(w).Encode(DeliveryOutcome{
			Fulfill: &DeliveryFulfill{Fulfillment: base64.StdEncoding.EncodeToString(fulfillment[:])},
		})
	}))
	defer srv.Close()

	f := newFixture(t, withLocal(&HTTPDeliverer{URL: srv.URL}))
	require.NoError(t, f.routes.AddRoute("g.testnode", ilp.LocalPeer, 0))

	prepare := testPrepare(1000, 10*time.Second)
	prepare.Destination = "g.testnode.wallet"
	resp, err := f.handler.HandlePrepare(context.Background(), prepare, "peerB")
	require.NoError(t, err)

	fulfill, ok := resp.(*ilp.Fulfill)
	require.True(t, ok)
	require.Equal(t, fulfillment, fulfill.Fulfillment)
}
