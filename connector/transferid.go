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
	"encoding/binary"
	"hash/fnv"

	"github.com/interledger-go/ilpd/ilp"
	"github.com/interledger-go/ilpd/ledger"
)

// Leg markers distinguish the two transfers of one packet. They are XORed
// into the low byte so the pair stays unique even though both derive from
// the same condition.
const (
	incomingLeg = 0x01
	outgoingLeg = 0x02
)

// transferIDs derives the deterministic 128-bit id pair for one packet on
// this node. The high half mixes the node id into the condition so that
// each connector in a multi-hop chain produces distinct ids; the low half
// keeps raw condition bytes. Determinism makes retried recordings
// idempotent.
func transferIDs(nodeID ilp.Address, condition [ilp.ConditionSize]byte) (incoming, outgoing ledger.TransferID) {
	h := fnv.New64a()
	h.Write([]byte(nodeID))
	high := binary.BigEndian.Uint64(condition[0:8]) ^ h.Sum64()

	var id ledger.TransferID
	binary.BigEndian.PutUint64(id[0:8], high)
	copy(id[8:16], condition[8:16])

	incoming, outgoing = id, id
	incoming[15] ^= incomingLeg
	outgoing[15] ^= outgoingLeg
	return incoming, outgoing
}
