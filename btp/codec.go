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

// Package btp implements the Bilateral Transfer Protocol: a framed,
// authenticated, request/response-multiplexed transport for ILP packets
// over bidirectional WebSocket connections.
package btp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/interledger-go/ilpd/ilp"
)

// FrameType tags a BTP frame. The values follow the published BTP/2
// numbering so that the wire format stays pinnable to the specification.
type FrameType byte

const (
	TypeResponse FrameType = 1
	TypeError    FrameType = 2
	TypeMessage  FrameType = 6
)

func (t FrameType) String() string {
	switch t {
	case TypeResponse:
		return "RESPONSE"
	case TypeError:
		return "ERROR"
	case TypeMessage:
		return "MESSAGE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

// Protocol-data content type tags.
const (
	ContentOctetStream byte = 0
	ContentTextPlain   byte = 1
	ContentJSON        byte = 2
)

// Well-known protocol-data sub-frame names.
const (
	SubProtoILP  = "ilp"
	SubProtoAuth = "auth"
)

// maxSubFrames bounds the protocol-data list of one frame.
const maxSubFrames = 255

var (
	// ErrUnknownFrameType is returned for an unrecognised type tag.
	ErrUnknownFrameType = errors.New("btp: unknown frame type")

	// ErrMalformedSubFrame is returned when a protocol-data sub-frame does
	// not parse.
	ErrMalformedSubFrame = errors.New("btp: malformed protocol-data sub-frame")

	// ErrInvalidUTF8 is returned when a sub-frame name or an error field is
	// not valid UTF-8.
	ErrInvalidUTF8 = errors.New("btp: invalid UTF-8 in frame")

	// ErrNoILPPacket is returned when a frame expected to carry an ILP
	// packet has no "ilp" sub-frame.
	ErrNoILPPacket = errors.New("btp: frame carries no ILP packet")
)

// ProtocolData is one named sub-frame of a MESSAGE or RESPONSE payload.
// Ordering is significant and preserved by the codec.
type ProtocolData struct {
	Name        string
	ContentType byte
	Data        []byte
}

// ErrorPayload is the structured body of an ERROR frame.
type ErrorPayload struct {
	Code        string
	Name        string
	TriggeredAt time.Time
	Data        []byte
}

// Frame is one BTP frame: exactly one WebSocket binary message.
type Frame struct {
	Type      FrameType
	RequestID uint32

	// ProtocolData is set for MESSAGE and RESPONSE frames.
	ProtocolData []ProtocolData

	// Err is set for ERROR frames.
	Err *ErrorPayload
}

// ILPPacket extracts and decodes the embedded ILP packet, if any.
func (f *Frame) ILPPacket() (ilp.Packet, error) {
	for _, pd := range f.ProtocolData {
		if pd.Name == SubProtoILP {
			return ilp.Decode(pd.Data)
		}
	}
	return nil, ErrNoILPPacket
}

// SubFrame returns the first sub-frame with the given name.
func (f *Frame) SubFrame(name string) (ProtocolData, bool) {
	for _, pd := range f.ProtocolData {
		if pd.Name == name {
			return pd, true
		}
	}
	return ProtocolData{}, false
}

// NewILPMessage wraps an ILP packet in a MESSAGE frame.
func NewILPMessage(requestID uint32, pkt ilp.Packet) (*Frame, error) {
	enc, err := ilp.Encode(pkt)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type:      TypeMessage,
		RequestID: requestID,
		ProtocolData: []ProtocolData{
			{Name: SubProtoILP, ContentType: ContentOctetStream, Data: enc},
		},
	}, nil
}

// NewILPResponse wraps an ILP packet in a RESPONSE frame.
func NewILPResponse(requestID uint32, pkt ilp.Packet) (*Frame, error) {
	f, err := NewILPMessage(requestID, pkt)
	if err != nil {
		return nil, err
	}
	f.Type = TypeResponse
	return f, nil
}

// NewErrorFrame builds an ERROR frame with the given three-letter code.
func NewErrorFrame(requestID uint32, code, name string, now time.Time) *Frame {
	return &Frame{
		Type:      TypeError,
		RequestID: requestID,
		Err: &ErrorPayload{
			Code:        code,
			Name:        name,
			TriggeredAt: now.UTC(),
			Data:        []byte{},
		},
	}
}

// Marshal serializes the frame into a single binary message.
func Marshal(f *Frame) ([]byte, error) {
	out := make([]byte, 0, 64)
	out = append(out, byte(f.Type))
	var rid [4]byte
	binary.BigEndian.PutUint32(rid[:], f.RequestID)
	out = append(out, rid[:]...)

	switch f.Type {
	case TypeMessage, TypeResponse:
		return appendProtocolData(out, f.ProtocolData)
	case TypeError:
		if f.Err == nil {
			return nil, fmt.Errorf("btp: ERROR frame without payload")
		}
		if len(f.Err.Code) != 3 {
			return nil, fmt.Errorf("btp: error code must be 3 characters, got %q", f.Err.Code)
		}
		out = append(out, f.Err.Code...)
		out = ilp.AppendVarOctet(out, []byte(f.Err.Name))
		out = ilp.AppendVarOctet(out, []byte(f.Err.TriggeredAt.UTC().Format(time.RFC3339Nano)))
		out = ilp.AppendVarOctet(out, f.Err.Data)
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFrameType, f.Type)
	}
}

func appendProtocolData(out []byte, pds []ProtocolData) ([]byte, error) {
	if len(pds) > maxSubFrames {
		return nil, fmt.Errorf("%w: too many sub-frames", ErrMalformedSubFrame)
	}
	out = append(out, byte(len(pds)))
	for _, pd := range pds {
		if !utf8.ValidString(pd.Name) {
			return nil, ErrInvalidUTF8
		}
		out = ilp.AppendVarOctet(out, []byte(pd.Name))
		out = append(out, pd.ContentType)
		out = ilp.AppendVarOctet(out, pd.Data)
	}
	return out, nil
}

// Unmarshal parses a single binary message into a frame. Errors carry the
// parse taxonomy: ilp.ErrShortBuffer, ErrUnknownFrameType,
// ErrMalformedSubFrame, ilp.ErrFieldTooLong, ErrInvalidUTF8.
func Unmarshal(b []byte) (*Frame, error) {
	if len(b) < 5 {
		return nil, ilp.ErrShortBuffer
	}
	f := &Frame{
		Type:      FrameType(b[0]),
		RequestID: binary.BigEndian.Uint32(b[1:5]),
	}
	r := bytes.NewReader(b[5:])

	switch f.Type {
	case TypeMessage, TypeResponse:
		pds, err := readProtocolData(r)
		if err != nil {
			return nil, err
		}
		f.ProtocolData = pds
	case TypeError:
		code := make([]byte, 3)
		if r.Len() < 3 {
			return nil, ilp.ErrShortBuffer
		}
		r.Read(code)
		name, err := ilp.ReadVarOctet(r)
		if err != nil {
			return nil, err
		}
		ts, err := ilp.ReadVarOctet(r)
		if err != nil {
			return nil, err
		}
		data, err := ilp.ReadVarOctet(r)
		if err != nil {
			return nil, err
		}
		if !utf8.Valid(code) || !utf8.Valid(name) {
			return nil, ErrInvalidUTF8
		}
		triggeredAt, err := time.Parse(time.RFC3339Nano, string(ts))
		if err != nil {
			return nil, fmt.Errorf("%w: bad triggeredAt", ErrMalformedSubFrame)
		}
		f.Err = &ErrorPayload{
			Code:        string(code),
			Name:        string(name),
			TriggeredAt: triggeredAt,
			Data:        data,
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFrameType, b[0])
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformedSubFrame)
	}
	return f, nil
}

func readProtocolData(r *bytes.Reader) ([]ProtocolData, error) {
	count, err := r.ReadByte()
	if err != nil {
		return nil, ilp.ErrShortBuffer
	}
	pds := make([]ProtocolData, 0, count)
	for i := 0; i < int(count); i++ {
		name, err := ilp.ReadVarOctet(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSubFrame, err)
		}
		if !utf8.Valid(name) {
			return nil, ErrInvalidUTF8
		}
		contentType, err := r.ReadByte()
		if err != nil {
			return nil, ilp.ErrShortBuffer
		}
		data, err := ilp.ReadVarOctet(r)
		if err != nil {
			if errors.Is(err, ilp.ErrFieldTooLong) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrMalformedSubFrame, err)
		}
		pds = append(pds, ProtocolData{Name: string(name), ContentType: contentType, Data: data})
	}
	return pds, nil
}
