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
	"errors"
	"io"
)

// Octet-String encoding helpers shared by the ILP and BTP codecs. Fields
// are length-prefixed with an ASN.1 OER length determinant: one byte for
// lengths below 128, otherwise 0x80|n followed by n big-endian length bytes.

var (
	// ErrShortBuffer is returned when a length prefix promises more bytes
	// than the buffer holds.
	ErrShortBuffer = errors.New("ilp: short buffer")

	// ErrFieldTooLong is returned when a length prefix exceeds the codec's
	// sanity bound.
	ErrFieldTooLong = errors.New("ilp: field exceeds maximum length")
)

// maxFieldLen bounds any single length-prefixed field. It is comfortably
// above MaxDataSize plus envelope overhead.
const maxFieldLen = MaxDataSize + 1024

// AppendLength appends an OER length determinant for n.
func AppendLength(dst []byte, n int) []byte {
	if n < 0x80 {
		return append(dst, byte(n))
	}
	var tmp [8]byte
	i := len(tmp)
	for v := uint64(n); v > 0; v >>= 8 {
		i--
		tmp[i] = byte(v)
	}
	dst = append(dst, 0x80|byte(len(tmp)-i))
	return append(dst, tmp[i:]...)
}

// ReadLength consumes an OER length determinant from r.
func ReadLength(r *bytes.Reader) (int, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, ErrShortBuffer
	}
	if b < 0x80 {
		return int(b), nil
	}
	numBytes := int(b & 0x7f)
	if numBytes == 0 || numBytes > 4 {
		return 0, ErrFieldTooLong
	}
	var n uint64
	for i := 0; i < numBytes; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, ErrShortBuffer
		}
		n = n<<8 | uint64(b)
	}
	if n > maxFieldLen {
		return 0, ErrFieldTooLong
	}
	return int(n), nil
}

// AppendVarOctet appends a length-prefixed octet string.
func AppendVarOctet(dst, b []byte) []byte {
	dst = AppendLength(dst, len(b))
	return append(dst, b...)
}

// ReadVarOctet consumes a length-prefixed octet string from r.
func ReadVarOctet(r *bytes.Reader) ([]byte, error) {
	n, err := ReadLength(r)
	if err != nil {
		return nil, err
	}
	if n > r.Len() {
		return nil, ErrShortBuffer
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, ErrShortBuffer
	}
	return b, nil
}

// readFixed consumes exactly n bytes from r.
func readFixed(r *bytes.Reader, n int) ([]byte, error) {
	if n > r.Len() {
		return nil, ErrShortBuffer
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, ErrShortBuffer
	}
	return b, nil
}
