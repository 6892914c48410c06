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

// Package connector implements the packet forwarding pipeline: validate,
// route, settle and relay ILP Prepare packets between BTP peers.
package connector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/interledger-go/ilpd/btp"
	"github.com/interledger-go/ilpd/events"
	"github.com/interledger-go/ilpd/ilp"
	"github.com/interledger-go/ilpd/internal/mclock"
	"github.com/interledger-go/ilpd/ledger"
	"github.com/interledger-go/ilpd/routing"
)

// expirySafetyMargin is subtracted from every forwarded Prepare's expiry so
// this node can still relay the response before its own deadline.
const expirySafetyMargin = 1000 * time.Millisecond

// settlementToken is the token id under which packet transfers are
// accounted.
const settlementToken = "ILP"

// PeerSender forwards a Prepare to a peer and returns its response. The
// BTP registry implements it.
type PeerSender interface {
	SendToPeer(ctx context.Context, peerID string, prepare *ilp.Prepare) (ilp.Packet, error)
}

// Config assembles a Handler. Routes and Peers are required; everything
// else degrades to a no-op.
type Config struct {
	// NodeID is this connector's own ILP address. It appears as
	// triggeredBy in every locally generated Reject.
	NodeID ilp.Address

	Routes *routing.Table
	Peers  PeerSender

	// Ledger and the settlement switch. With settlement disabled the
	// ledger is never consulted and amounts pass through unchanged.
	Ledger            ledger.Ledger
	SettlementEnabled bool

	// FeePercentage is the forwarding fee, e.g. 0.1 for 0.1%. Resolution
	// is one hundredth of a percent; finer fractions truncate and values
	// outside [0, 100] clamp.
	FeePercentage float64

	// Local terminates packets routed to this node. Nil falls back to the
	// echo behavior that fulfills with the condition bytes themselves.
	Local Deliverer

	Sink  events.Sink
	Clock mclock.Clock
	Log   *zap.Logger
}

// Handler is the stateless packet pipeline. It is safe for concurrent use;
// all mutable state lives in the table, registry and ledger it references.
type Handler struct {
	nodeID      ilp.Address
	routes      *routing.Table
	peers       PeerSender
	ledger      ledger.Ledger
	settle      bool
	basisPoints uint64
	local       Deliverer
	sink        events.Sink
	clock       mclock.Clock
	log         *zap.Logger
}

// New creates a Handler. Zero config fields get safe defaults.
func New(cfg Config) *Handler {
	if cfg.Ledger == nil {
		cfg.Ledger = ledger.Nop{}
	}
	if cfg.Sink == nil {
		cfg.Sink = events.NopSink{}
	}
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	// The fee never exceeds the amount: out-of-range percentages clamp to
	// [0, 10000] basis points.
	bp := math.Floor(cfg.FeePercentage * 100)
	if bp < 0 || math.IsNaN(bp) {
		bp = 0
	} else if bp > 10000 {
		bp = 10000
	}
	return &Handler{
		nodeID:      cfg.NodeID,
		routes:      cfg.Routes,
		peers:       cfg.Peers,
		ledger:      cfg.Ledger,
		settle:      cfg.SettlementEnabled,
		basisPoints: uint64(bp),
		local:       cfg.Local,
		sink:        cfg.Sink,
		clock:       cfg.Clock,
		log:         cfg.Log,
	}
}

// HandlePrepare runs one Prepare through the pipeline and returns the
// Fulfill or Reject to relay back. The only non-nil errors it returns are
// transport faults that cannot be expressed as an ILP packet; the endpoint
// reports those to the sender as a BTP ERROR.
func (h *Handler) HandlePrepare(ctx context.Context, prepare *ilp.Prepare, fromPeer string) (ilp.Packet, error) {
	corr := uuid.NewString()
	log := h.log.With(
		zap.String("correlation", corr),
		zap.String("packet", prepare.PacketID()),
		zap.String("from", fromPeer),
		zap.String("destination", string(prepare.Destination)))

	packetsReceivedCounter.Inc()
	h.emit(events.Event{
		Type:        events.PacketReceived,
		Time:        h.clock.Now(),
		Correlation: corr,
		PacketID:    prepare.PacketID(),
		Peer:        fromPeer,
		Destination: string(prepare.Destination),
		Amount:      strconv.FormatUint(prepare.Amount, 10),
	})

	if reject := h.validate(prepare); reject != nil {
		return h.finishReject(log, corr, prepare, reject), nil
	}

	nextHop := h.routes.GetNextHop(prepare.Destination)
	if nextHop == "" {
		reject := ilp.NewReject(ilp.CodeUnreachable, h.nodeID,
			fmt.Sprintf("No route to destination: %s", prepare.Destination))
		return h.finishReject(log, corr, prepare, reject), nil
	}
	log = log.With(zap.String("nextHop", nextHop))
	h.emit(events.Event{
		Type:        events.RouteLookup,
		Time:        h.clock.Now(),
		Correlation: corr,
		PacketID:    prepare.PacketID(),
		Destination: string(prepare.Destination),
		NextHop:     nextHop,
	})

	if nextHop == ilp.LocalPeer || nextHop == string(h.nodeID) {
		return h.deliverLocal(ctx, log, corr, prepare, fromPeer)
	}

	forwardExpiry := prepare.ExpiresAt.Add(-expirySafetyMargin)
	if !forwardExpiry.After(h.clock.Now()) {
		reject := ilp.NewReject(ilp.CodeTransferTimedOut, h.nodeID,
			"Insufficient time remaining for forwarding")
		return h.finishReject(log, corr, prepare, reject), nil
	}

	forwardAmount := prepare.Amount
	if h.settle {
		fee := h.fee(prepare.Amount)
		forwardAmount = prepare.Amount - fee

		if reject := h.settleTransfers(ctx, log, prepare, fromPeer, nextHop, forwardAmount); reject != nil {
			return h.finishReject(log, corr, prepare, reject), nil
		}
	}

	// Forward a copy; only expiry and amount differ from the original.
	outgoing := *prepare
	outgoing.ExpiresAt = forwardExpiry
	outgoing.Amount = forwardAmount

	resp, err := h.peers.SendToPeer(ctx, nextHop, &outgoing)
	if err != nil {
		if reject := mapForwardError(err, h.nodeID); reject != nil {
			return h.finishReject(log, corr, prepare, reject), nil
		}
		log.Error("Forward failed with unclassified error", zap.Error(err))
		return nil, err
	}

	packetsForwardedCounter.Inc()
	h.emit(events.Event{
		Type:        events.PacketForwarded,
		Time:        h.clock.Now(),
		Correlation: corr,
		PacketID:    prepare.PacketID(),
		NextHop:     nextHop,
		Amount:      strconv.FormatUint(forwardAmount, 10),
	})
	return h.finish(log, corr, prepare, resp), nil
}

// validate returns a Reject for malformed or already expired packets.
func (h *Handler) validate(prepare *ilp.Prepare) *ilp.Reject {
	switch {
	case !prepare.Destination.Valid():
		return ilp.NewReject(ilp.CodeInvalidPacket, h.nodeID,
			fmt.Sprintf("Invalid destination address: %q", string(prepare.Destination)))
	case prepare.Amount == 0:
		return ilp.NewReject(ilp.CodeInvalidPacket, h.nodeID, "Missing amount")
	case prepare.ExpiresAt.IsZero():
		return ilp.NewReject(ilp.CodeInvalidPacket, h.nodeID, "Missing expiry")
	case len(prepare.Data) > ilp.MaxDataSize:
		return ilp.NewReject(ilp.CodeInvalidPacket, h.nodeID, "Data too large")
	case !prepare.ExpiresAt.After(h.clock.Now()):
		return ilp.NewReject(ilp.CodeTransferTimedOut, h.nodeID, "Packet has expired")
	}
	return nil
}

// fee computes floor(amount * basisPoints / 10000) without 64-bit overflow.
func (h *Handler) fee(amount uint64) uint64 {
	v := uint256.NewInt(amount)
	v.Mul(v, uint256.NewInt(h.basisPoints))
	v.Div(v, uint256.NewInt(10000))
	return v.Uint64()
}

// settleTransfers runs the credit check and records both accounting legs.
// A non-nil Reject aborts the forward.
func (h *Handler) settleTransfers(ctx context.Context, log *zap.Logger, prepare *ilp.Prepare, fromPeer, nextHop string, forwardAmount uint64) *ilp.Reject {
	violation, err := h.ledger.CheckCreditLimit(ctx, fromPeer, settlementToken, prepare.Amount)
	if err != nil {
		log.Error("Credit limit check failed", zap.Error(err))
		return ilp.NewReject(ilp.CodeInternalError, h.nodeID, "Settlement recording failed")
	}
	if violation != nil {
		return ilp.NewReject(ilp.CodeInsufficientLiquidity, h.nodeID,
			fmt.Sprintf("Credit limit exceeded: peer %s would owe %s units over limit of %s",
				fromPeer, violation.WouldExceedBy.Dec(), violation.CreditLimit.Dec()))
	}

	incomingID, outgoingID := transferIDs(h.nodeID, prepare.ExecutionCondition)
	err = h.ledger.RecordPacketTransfers(ctx, ledger.PacketTransfers{
		FromPeer:       fromPeer,
		ToPeer:         nextHop,
		TokenID:        settlementToken,
		IncomingAmount: prepare.Amount,
		OutgoingAmount: forwardAmount,
		IncomingID:     incomingID,
		OutgoingID:     outgoingID,
	})
	if err != nil {
		log.Error("Settlement recording failed", zap.Error(err))
		return ilp.NewReject(ilp.CodeInternalError, h.nodeID, "Settlement recording failed")
	}
	return nil
}

// deliverLocal terminates the packet at this node.
func (h *Handler) deliverLocal(ctx context.Context, log *zap.Logger, corr string, prepare *ilp.Prepare, fromPeer string) (ilp.Packet, error) {
	localDeliveriesCounter.Inc()

	if h.local == nil {
		// Echo behavior for closed test setups: accept everything by
		// revealing the condition bytes as the "preimage".
		fulfill := &ilp.Fulfill{Fulfillment: prepare.ExecutionCondition}
		return h.finish(log, corr, prepare, fulfill), nil
	}

	outcome, err := h.local.Deliver(ctx, newDeliveryRequest(prepare, fromPeer))
	if err != nil {
		log.Warn("Local delivery failed", zap.Error(err))
		reject := ilp.NewReject(ilp.CodeInternalError, h.nodeID, "Local delivery failed")
		return h.finishReject(log, corr, prepare, reject), nil
	}
	pkt, err := packetFromOutcome(outcome, h.nodeID)
	if err != nil {
		log.Warn("Local delivery returned malformed outcome", zap.Error(err))
		reject := ilp.NewReject(ilp.CodeInternalError, h.nodeID, "Local delivery failed")
		return h.finishReject(log, corr, prepare, reject), nil
	}
	return h.finish(log, corr, prepare, pkt), nil
}

// mapForwardError translates transport failures of the outgoing hop into
// the Reject relayed to the sender. Unclassified errors return nil and
// bubble up to the endpoint.
func mapForwardError(err error, nodeID ilp.Address) *ilp.Reject {
	var connErr *btp.ConnectionError
	var authErr *btp.AuthenticationError
	switch {
	case errors.Is(err, btp.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return ilp.NewReject(ilp.CodeTransferTimedOut, nodeID, "transfer timed out")
	case errors.As(err, &connErr), errors.As(err, &authErr):
		return ilp.NewReject(ilp.CodePeerUnreachable, nodeID, "peer unreachable")
	}
	return nil
}

// finish emits the terminal event for the packet and passes the response
// through.
func (h *Handler) finish(log *zap.Logger, corr string, prepare *ilp.Prepare, resp ilp.Packet) ilp.Packet {
	switch pkt := resp.(type) {
	case *ilp.Fulfill:
		packetsFulfilledCounter.Inc()
		h.emit(events.Event{
			Type:        events.PacketFulfilled,
			Time:        h.clock.Now(),
			Correlation: corr,
			PacketID:    prepare.PacketID(),
		})
		log.Debug("Packet fulfilled")
	case *ilp.Reject:
		packetsRejectedCounter.WithLabelValues(pkt.Code).Inc()
		h.emit(events.Event{
			Type:        events.PacketRejected,
			Time:        h.clock.Now(),
			Correlation: corr,
			PacketID:    prepare.PacketID(),
			Code:        pkt.Code,
		})
		log.Debug("Packet rejected", zap.String("code", pkt.Code), zap.String("message", pkt.Message))
	}
	return resp
}

func (h *Handler) finishReject(log *zap.Logger, corr string, prepare *ilp.Prepare, reject *ilp.Reject) ilp.Packet {
	return h.finish(log, corr, prepare, reject)
}

func (h *Handler) emit(ev events.Event) {
	h.sink.Emit(ev)
}
