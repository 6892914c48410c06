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

package ilp

import (
	"encoding/hex"
	"fmt"
	"time"
)

// Packet type tags of the ILPv4 envelope.
const (
	TypePrepare = 12
	TypeFulfill = 13
	TypeReject  = 14
)

// ConditionSize is the length of an execution condition and its fulfillment.
const ConditionSize = 32

// MaxDataSize bounds the opaque data field of any packet.
const MaxDataSize = 32768

// Packet is implemented by Prepare, Fulfill and Reject.
type Packet interface {
	// Type returns the envelope type tag.
	Type() byte
}

// Prepare is a conditional transfer proposal. It travels "forward" through
// the connector mesh towards the destination.
type Prepare struct {
	Amount             uint64
	ExpiresAt          time.Time
	ExecutionCondition [ConditionSize]byte
	Destination        Address
	Data               []byte
}

// Type implements Packet.
func (p *Prepare) Type() byte { return TypePrepare }

// PacketID identifies the packet in logs and events. Every hop of one
// payment shares the same execution condition, and therefore the same id.
func (p *Prepare) PacketID() string {
	return hex.EncodeToString(p.ExecutionCondition[:])
}

// Fulfill accepts a Prepare by revealing the condition preimage.
type Fulfill struct {
	Fulfillment [ConditionSize]byte
	Data        []byte
}

// Type implements Packet.
func (f *Fulfill) Type() byte { return TypeFulfill }

// Reject refuses a Prepare.
type Reject struct {
	Code        string
	TriggeredBy Address
	Message     string
	Data        []byte
}

// Type implements Packet.
func (r *Reject) Type() byte { return TypeReject }

func (r *Reject) String() string {
	return fmt.Sprintf("%s %s: %s", r.Code, r.TriggeredBy, r.Message)
}
