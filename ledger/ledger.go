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

// Package ledger records packet forwards as double-entry accounting
// transfers, enforces per-peer credit limits, and watches balances for
// settlement thresholds.
package ledger

import (
	"context"
	"encoding/hex"

	"github.com/holiman/uint256"
)

// TransferID is a globally unique 128-bit transfer identifier. Retrying a
// recording with the same ids is a no-op.
type TransferID [16]byte

func (id TransferID) String() string { return hex.EncodeToString(id[:]) }

// AccountPair identifies the debit/credit account pair of one peer for
// one token.
type AccountPair struct {
	PeerID  string
	TokenID string
}

// PacketTransfers describes the two accounting legs of one forwarded
// packet: the incoming transfer from the sending peer and the outgoing
// transfer to the next hop. The amounts differ by the connector's fee.
type PacketTransfers struct {
	FromPeer       string
	ToPeer         string
	TokenID        string
	IncomingAmount uint64
	OutgoingAmount uint64
	IncomingID     TransferID
	OutgoingID     TransferID
}

// Violation reports a failed credit-limit check.
type Violation struct {
	CurrentBalance  *uint256.Int
	RequestedAmount *uint256.Int
	CreditLimit     *uint256.Int
	WouldExceedBy   *uint256.Int
}

// Ledger is the accounting surface the packet handler depends on. The
// no-op implementation keeps forwarding alive when no backing store is
// configured.
type Ledger interface {
	// CheckCreditLimit returns a non-nil Violation when accepting amount
	// from the peer would push its debit balance over the effective limit.
	CheckCreditLimit(ctx context.Context, peerID, tokenID string, amount uint64) (*Violation, error)

	// RecordPacketTransfers posts both legs atomically: either both are
	// recorded or neither. Repeating the same transfer ids is a no-op.
	RecordPacketTransfers(ctx context.Context, xfer PacketTransfers) error

	// Balances returns the debit-side ("peer owes us") and credit-side
	// ("we owe peer") balances of an account pair.
	Balances(ctx context.Context, peerID, tokenID string) (debit, credit *uint256.Int, err error)

	// Pairs lists every account pair with recorded activity.
	Pairs(ctx context.Context) ([]AccountPair, error)

	Close() error
}
