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
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRequestTimeout fires when a peer does not answer a request within
	// its deadline.
	ErrRequestTimeout = errors.New("btp: request timed out")

	// ErrRequestIDCollision is returned when a freshly generated request id
	// is already in flight on the same endpoint. Ids are random 32-bit
	// values, so hitting this indicates a broken id source.
	ErrRequestIDCollision = errors.New("btp: request id already in flight")

	// ErrTooManyPending is returned when an endpoint's pending-request map
	// hits its bound. The endpoint is force-disconnected as the peer is
	// evidently stuck.
	ErrTooManyPending = errors.New("btp: too many pending requests")

	// ErrNotConnected is returned for sends on a peer whose transport is
	// currently down.
	ErrNotConnected = errors.New("btp: not connected")

	// ErrUnknownPeer is returned for sends to a peer id the registry has
	// never seen.
	ErrUnknownPeer = errors.New("btp: unknown peer")

	// ErrShuttingDown is returned for sends issued after shutdown began.
	ErrShuttingDown = errors.New("btp: shutting down")
)

// Error is a BTP ERROR frame received from (or destined for) a peer.
type Error struct {
	Code        string
	Name        string
	TriggeredAt time.Time
	Data        []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("btp: peer error %s (%s)", e.Code, e.Name)
}

// ConnectionError wraps a transport-level failure for one peer. All
// requests in flight when a connection drops fail with this type.
type ConnectionError struct {
	Peer string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("btp: connection to %q: %v", e.Peer, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError reports a failed BTP authentication handshake.
type AuthenticationError struct {
	Peer   string
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("btp: authentication with %q failed: %s", e.Peer, e.Reason)
}
