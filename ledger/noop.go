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

package ledger

import (
	"context"

	"github.com/holiman/uint256"
)

// Nop is the degraded Ledger used when no accounting store is configured.
// Credit checks always pass, recordings do nothing, balances read as
// zero. Packet forwarding works unchanged in this mode.
type Nop struct{}

// CheckCreditLimit implements Ledger.
func (Nop) CheckCreditLimit(context.Context, string, string, uint64) (*Violation, error) {
	return nil, nil
}

// RecordPacketTransfers implements Ledger.
func (Nop) RecordPacketTransfers(context.Context, PacketTransfers) error { return nil }

// Balances implements Ledger.
func (Nop) Balances(context.Context, string, string) (*uint256.Int, *uint256.Int, error) {
	return uint256.NewInt(0), uint256.NewInt(0), nil
}

// Pairs implements Ledger.
func (Nop) Pairs(context.Context) ([]AccountPair, error) { return nil, nil }

// Close implements Ledger.
func (Nop) Close() error { return nil }
