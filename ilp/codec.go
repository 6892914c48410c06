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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Canonical ILPv4 binary encoding (RFC-0027). Every packet is an envelope
// of one type byte followed by a length-prefixed body. The connector must
// preserve every body byte on forward except amount and expiresAt, so the
// codec round-trips all fields losslessly.

var (
	// ErrUnknownPacketType is returned for an unrecognised envelope tag.
	ErrUnknownPacketType = errors.New("ilp: unknown packet type")

	// ErrMalformedPacket is returned when a body does not parse.
	ErrMalformedPacket = errors.New("ilp: malformed packet")
)

// interledgerTimeFormat is the fixed 17-character GeneralizedTime variant
// used by ILPv4: YYYYMMDDHHMMSSmmm in UTC.
const interledgerTimeFormat = "20060102150405"

func appendTimestamp(dst []byte, t time.Time) []byte {
	t = t.UTC()
	dst = append(dst, t.Format(interledgerTimeFormat)...)
	ms := t.Nanosecond() / int(time.Millisecond)
	return append(dst, fmt.Sprintf("%03d", ms)...)
}

func parseTimestamp(b []byte) (time.Time, error) {
	if len(b) != 17 {
		return time.Time{}, ErrMalformedPacket
	}
	t, err := time.ParseInLocation(interledgerTimeFormat, string(b[:14]), time.UTC)
	if err != nil {
		return time.Time{}, ErrMalformedPacket
	}
	ms, err := strconv.Atoi(string(b[14:]))
	if err != nil {
		return time.Time{}, ErrMalformedPacket
	}
	return t.Add(time.Duration(ms) * time.Millisecond), nil
}

// Encode serializes a packet to its canonical binary form.
func Encode(p Packet) ([]byte, error) {
	var body []byte
	switch p := p.(type) {
	case *Prepare:
		if len(p.Data) > MaxDataSize {
			return nil, ErrFieldTooLong
		}
		var amt [8]byte
		binary.BigEndian.PutUint64(amt[:], p.Amount)
		body = append(body, amt[:]...)
		body = appendTimestamp(body, p.ExpiresAt)
		body = append(body, p.ExecutionCondition[:]...)
		body = AppendVarOctet(body, []byte(p.Destination))
		body = AppendVarOctet(body, p.Data)
	case *Fulfill:
		if len(p.Data) > MaxDataSize {
			return nil, ErrFieldTooLong
		}
		body = append(body, p.Fulfillment[:]...)
		body = AppendVarOctet(body, p.Data)
	case *Reject:
		if len(p.Code) != 3 {
			return nil, fmt.Errorf("%w: error code must be 3 characters", ErrMalformedPacket)
		}
		if len(p.Data) > MaxDataSize {
			return nil, ErrFieldTooLong
		}
		body = append(body, p.Code...)
		body = AppendVarOctet(body, []byte(p.TriggeredBy))
		body = AppendVarOctet(body, []byte(p.Message))
		body = AppendVarOctet(body, p.Data)
	default:
		return nil, ErrUnknownPacketType
	}
	out := make([]byte, 0, len(body)+6)
	out = append(out, p.Type())
	out = AppendLength(out, len(body))
	return append(out, body...), nil
}

// Decode parses a canonical binary packet.
func Decode(b []byte) (Packet, error) {
	r := bytes.NewReader(b)
	typ, err := r.ReadByte()
	if err != nil {
		return nil, ErrShortBuffer
	}
	n, err := ReadLength(r)
	if err != nil {
		return nil, err
	}
	if n != r.Len() {
		return nil, fmt.Errorf("%w: envelope length mismatch", ErrMalformedPacket)
	}
	switch typ {
	case TypePrepare:
		return decodePrepare(r)
	case TypeFulfill:
		return decodeFulfill(r)
	case TypeReject:
		return decodeReject(r)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownPacketType, typ)
	}
}

func decodePrepare(r *bytes.Reader) (*Prepare, error) {
	amt, err := readFixed(r, 8)
	if err != nil {
		return nil, err
	}
	ts, err := readFixed(r, 17)
	if err != nil {
		return nil, err
	}
	expiresAt, err := parseTimestamp(ts)
	if err != nil {
		return nil, err
	}
	cond, err := readFixed(r, ConditionSize)
	if err != nil {
		return nil, err
	}
	dest, err := ReadVarOctet(r)
	if err != nil {
		return nil, err
	}
	data, err := ReadVarOctet(r)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxDataSize {
		return nil, ErrFieldTooLong
	}
	p := &Prepare{
		Amount:      binary.BigEndian.Uint64(amt),
		ExpiresAt:   expiresAt,
		Destination: Address(dest),
		Data:        data,
	}
	copy(p.ExecutionCondition[:], cond)
	return p, nil
}

func decodeFulfill(r *bytes.Reader) (*Fulfill, error) {
	preimage, err := readFixed(r, ConditionSize)
	if err != nil {
		return nil, err
	}
	data, err := ReadVarOctet(r)
	if err != nil {
		return nil, err
	}
	f := &Fulfill{Data: data}
	copy(f.Fulfillment[:], preimage)
	return f, nil
}

func decodeReject(r *bytes.Reader) (*Reject, error) {
	code, err := readFixed(r, 3)
	if err != nil {
		return nil, err
	}
	triggeredBy, err := ReadVarOctet(r)
	if err != nil {
		return nil, err
	}
	msg, err := ReadVarOctet(r)
	if err != nil {
		return nil, err
	}
	data, err := ReadVarOctet(r)
	if err != nil {
		return nil, err
	}
	return &Reject{
		Code:        string(code),
		TriggeredBy: Address(triggeredBy),
		Message:     string(msg),
		Data:        data,
	}, nil
}
