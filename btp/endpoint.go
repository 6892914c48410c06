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
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/interledger-go/ilpd/ilp"
)

const (
	// maxPendingRequests bounds the in-flight request map. Exceeding it is
	// evidence of a stuck peer and forces a disconnect.
	maxPendingRequests = 10000

	// defaultRequestTimeout applies to connection-level requests that have
	// no ILP expiry to derive a deadline from.
	defaultRequestTimeout = 10 * time.Second

	// expiryTimeoutMargin is subtracted from an ILP Prepare's remaining
	// lifetime so our reject reaches the upstream before its own timeout.
	expiryTimeoutMargin = 500 * time.Millisecond

	// minRequestTimeout floors the expiry-derived deadline.
	minRequestTimeout = time.Second

	writeTimeout     = 10 * time.Second
	maxFrameSize     = 1 << 20
	closeGracePeriod = 100 * time.Millisecond
)

// PrepareHandler processes one incoming ILP Prepare and returns the
// Fulfill or Reject to relay back. A non-nil error means the failure could
// not be expressed as an ILP packet; the endpoint reports it to the peer
// as a BTP ERROR with code F00.
type PrepareHandler func(ctx context.Context, prepare *ilp.Prepare, fromPeer string) (ilp.Packet, error)

// Endpoint owns one WebSocket connection and multiplexes requests on it by
// request id. The sending surface is identical for client-originated and
// server-accepted connections.
type Endpoint struct {
	log  *zap.Logger
	conn *websocket.Conn

	// onMessage handles incoming MESSAGE frames. The owner swaps it when a
	// session transitions from pre-auth to authenticated.
	msgMu     sync.RWMutex
	onMessage func(f *Frame)

	peerMu sync.RWMutex
	peerID string

	wmu sync.Mutex // serializes frame writes

	pmu     sync.Mutex
	pending map[uint32]chan *Frame

	lastSeenMu sync.Mutex
	lastSeen   time.Time

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func newEndpoint(conn *websocket.Conn, log *zap.Logger) *Endpoint {
	conn.SetReadLimit(maxFrameSize)
	return &Endpoint{
		log:      log,
		conn:     conn,
		pending:  make(map[uint32]chan *Frame),
		closed:   make(chan struct{}),
		lastSeen: time.Now(),
	}
}

// PeerID returns the peer this endpoint is bound to. For inbound sessions
// it is empty until authentication completes.
func (e *Endpoint) PeerID() string {
	e.peerMu.RLock()
	defer e.peerMu.RUnlock()
	return e.peerID
}

func (e *Endpoint) setPeerID(id string) {
	e.peerMu.Lock()
	e.peerID = id
	e.peerMu.Unlock()
}

// LastSeen returns the time of the last frame received on this connection.
func (e *Endpoint) LastSeen() time.Time {
	e.lastSeenMu.Lock()
	defer e.lastSeenMu.Unlock()
	return e.lastSeen
}

func (e *Endpoint) touch() {
	e.lastSeenMu.Lock()
	e.lastSeen = time.Now()
	e.lastSeenMu.Unlock()
}

func (e *Endpoint) setMessageHandler(h func(f *Frame)) {
	e.msgMu.Lock()
	e.onMessage = h
	e.msgMu.Unlock()
}

// serveILP installs the standard MESSAGE handler: decode the embedded
// Prepare, run it through h, and answer with a RESPONSE or an ERROR.
func (e *Endpoint) serveILP(h PrepareHandler) {
	e.setMessageHandler(func(f *Frame) {
		pkt, err := f.ILPPacket()
		if err != nil {
			e.log.Debug("Dropping message without valid ILP packet",
				zap.Uint32("reqid", f.RequestID), zap.Error(err))
			e.writeError(f.RequestID, ilp.CodeBadRequest, "invalid ILP packet")
			return
		}
		prepare, ok := pkt.(*ilp.Prepare)
		if !ok {
			e.writeError(f.RequestID, ilp.CodeBadRequest, "expected ILP Prepare")
			return
		}
		// Handlers run concurrently; responses to our own requests are
		// matched in the read loop and must never wait behind a handler.
		go e.runHandler(h, f.RequestID, prepare)
	})
}

func (e *Endpoint) runHandler(h PrepareHandler, requestID uint32, prepare *ilp.Prepare) {
	ctx := context.Background()
	if !prepare.ExpiresAt.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, prepare.ExpiresAt)
		defer cancel()
	}
	resp, err := h(ctx, prepare, e.PeerID())
	if err != nil {
		e.log.Warn("Prepare handler failed", zap.Uint32("reqid", requestID), zap.Error(err))
		e.writeError(requestID, ilp.CodeBadRequest, err.Error())
		return
	}
	frame, err := NewILPResponse(requestID, resp)
	if err != nil {
		e.log.Error("Cannot encode response packet", zap.Uint32("reqid", requestID), zap.Error(err))
		e.writeError(requestID, ilp.CodeBadRequest, "response encoding failed")
		return
	}
	if err := e.WriteFrame(frame); err != nil {
		e.log.Debug("Cannot write response", zap.Uint32("reqid", requestID), zap.Error(err))
	}
}

func (e *Endpoint) writeError(requestID uint32, code, name string) {
	if err := e.WriteFrame(NewErrorFrame(requestID, code, name, time.Now())); err != nil {
		e.log.Debug("Cannot write error frame", zap.Uint32("reqid", requestID), zap.Error(err))
	}
}

// WriteFrame marshals and transmits one frame. Writes are serialized;
// frames written on one connection arrive in order at the peer.
func (e *Endpoint) WriteFrame(f *Frame) error {
	b, err := Marshal(f)
	if err != nil {
		return err
	}
	e.wmu.Lock()
	defer e.wmu.Unlock()
	select {
	case <-e.closed:
		return &ConnectionError{Peer: e.PeerID(), Err: e.closeErr}
	default:
	}
	e.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := e.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return &ConnectionError{Peer: e.PeerID(), Err: err}
	}
	framesOutCounter.Inc()
	return nil
}

// Start launches the read loop.
func (e *Endpoint) Start() {
	go e.readLoop()
}

// Wait blocks until the connection is closed and returns the close cause.
func (e *Endpoint) Wait() error {
	<-e.closed
	return e.closeErr
}

// Closed reports whether the connection has been torn down.
func (e *Endpoint) Closed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

func (e *Endpoint) readLoop() {
	for {
		_, data, err := e.conn.ReadMessage()
		if err != nil {
			e.teardown(err)
			return
		}
		e.touch()
		framesInCounter.Inc()
		frame, err := Unmarshal(data)
		if err != nil {
			// Let the peer learn of the parse failure, keep the
			// connection open.
			e.log.Debug("Received malformed frame", zap.Error(err))
			e.writeError(0, ilp.CodeBadRequest, "malformed BTP frame")
			continue
		}
		switch frame.Type {
		case TypeResponse, TypeError:
			e.resolve(frame)
		case TypeMessage:
			e.msgMu.RLock()
			h := e.onMessage
			e.msgMu.RUnlock()
			if h == nil {
				e.log.Debug("No message handler, dropping frame", zap.Uint32("reqid", frame.RequestID))
				continue
			}
			h(frame)
		}
	}
}

// resolve matches a RESPONSE or ERROR to its pending request. Unmatched
// frames are logged and dropped.
func (e *Endpoint) resolve(f *Frame) {
	e.pmu.Lock()
	ch, ok := e.pending[f.RequestID]
	if ok {
		delete(e.pending, f.RequestID)
		pendingRequestsGauge.Dec()
	}
	e.pmu.Unlock()
	if !ok {
		e.log.Debug("Dropping unmatched frame",
			zap.String("type", f.Type.String()), zap.Uint32("reqid", f.RequestID))
		return
	}
	ch <- f
}

func (e *Endpoint) register(requestID uint32) (chan *Frame, error) {
	e.pmu.Lock()
	defer e.pmu.Unlock()
	if len(e.pending) >= maxPendingRequests {
		go e.teardown(ErrTooManyPending)
		return nil, ErrTooManyPending
	}
	if _, exists := e.pending[requestID]; exists {
		return nil, ErrRequestIDCollision
	}
	ch := make(chan *Frame, 1)
	e.pending[requestID] = ch
	pendingRequestsGauge.Inc()
	return ch, nil
}

func (e *Endpoint) unregister(requestID uint32) {
	e.pmu.Lock()
	if _, ok := e.pending[requestID]; ok {
		delete(e.pending, requestID)
		pendingRequestsGauge.Dec()
	}
	e.pmu.Unlock()
}

// Request transmits f and waits for the matching RESPONSE or ERROR. A
// received ERROR frame is returned as *Error. The request is cancelled by
// its timeout, the caller's context, or connection loss.
func (e *Endpoint) Request(ctx context.Context, f *Frame, timeout time.Duration) (*Frame, error) {
	ch, err := e.register(f.RequestID)
	if err != nil {
		return nil, err
	}
	if err := e.WriteFrame(f); err != nil {
		e.unregister(f.RequestID)
		return nil, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, &ConnectionError{Peer: e.PeerID(), Err: e.closeErr}
		}
		if resp.Type == TypeError {
			return nil, &Error{
				Code:        resp.Err.Code,
				Name:        resp.Err.Name,
				TriggeredAt: resp.Err.TriggeredAt,
				Data:        resp.Err.Data,
			}
		}
		return resp, nil
	case <-timer.C:
		e.unregister(f.RequestID)
		return nil, fmt.Errorf("%w after %v", ErrRequestTimeout, timeout)
	case <-ctx.Done():
		e.unregister(f.RequestID)
		return nil, ctx.Err()
	case <-e.closed:
		e.unregister(f.RequestID)
		return nil, &ConnectionError{Peer: e.PeerID(), Err: e.closeErr}
	}
}

// SendPacket wraps an ILP Prepare in a MESSAGE, sends it, and returns the
// decoded Fulfill or Reject from the peer's RESPONSE.
func (e *Endpoint) SendPacket(ctx context.Context, prepare *ilp.Prepare) (ilp.Packet, error) {
	frame, err := NewILPMessage(newRequestID(), prepare)
	if err != nil {
		return nil, err
	}
	resp, err := e.Request(ctx, frame, timeoutForExpiry(prepare.ExpiresAt, time.Now()))
	if err != nil {
		return nil, err
	}
	pkt, err := resp.ILPPacket()
	if err != nil {
		return nil, fmt.Errorf("btp: response without ILP packet: %w", err)
	}
	switch pkt.(type) {
	case *ilp.Fulfill, *ilp.Reject:
		return pkt, nil
	default:
		return nil, fmt.Errorf("btp: unexpected packet type %d in response", pkt.Type())
	}
}

// Close tears the connection down, sending a close frame with the given
// status first.
func (e *Endpoint) Close(code int, reason string) {
	e.wmu.Lock()
	e.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	e.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	e.wmu.Unlock()
	e.teardown(fmt.Errorf("btp: closed: %s", reason))
}

// teardown closes the socket and fails every pending request immediately.
func (e *Endpoint) teardown(cause error) {
	e.closeOnce.Do(func() {
		e.closeErr = cause
		close(e.closed)
		e.conn.Close()
		e.pmu.Lock()
		for id, ch := range e.pending {
			delete(e.pending, id)
			pendingRequestsGauge.Dec()
			close(ch)
		}
		e.pmu.Unlock()
	})
}

// timeoutForExpiry derives the request deadline from an ILP expiry: the
// remaining lifetime minus a safety margin, floored at one second.
func timeoutForExpiry(expiresAt, now time.Time) time.Duration {
	if expiresAt.IsZero() {
		return defaultRequestTimeout
	}
	d := expiresAt.Sub(now) - expiryTimeoutMargin
	if d < minRequestTimeout {
		return minRequestTimeout
	}
	return d
}

// newRequestID returns a random 32-bit request id.
func newRequestID() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("btp: cannot read random request id: %v", err))
	}
	return binary.BigEndian.Uint32(b[:])
}
