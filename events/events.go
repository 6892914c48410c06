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

// Package events carries the connector's packet and settlement events to
// whichever sink is wired at startup: the in-process feed consumed by local
// subscribers, or an external telemetry emitter.
package events

import (
	"sync"
	"time"
)

// Type enumerates the event kinds the connector emits.
type Type string

const (
	PacketReceived     Type = "PACKET_RECEIVED"
	RouteLookup        Type = "ROUTE_LOOKUP"
	PacketForwarded    Type = "PACKET_FORWARDED"
	PacketFulfilled    Type = "PACKET_FULFILLED"
	PacketRejected     Type = "PACKET_REJECTED"
	SettlementRequired Type = "SETTLEMENT_REQUIRED"
)

// Event is an immutable record of one observable step. Unused fields are
// left at their zero value; amounts are decimal strings so that consumers
// never see floating point.
type Event struct {
	Type        Type      `json:"type"`
	Time        time.Time `json:"time"`
	Correlation string    `json:"correlation,omitempty"`
	PacketID    string    `json:"packetId,omitempty"`
	Peer        string    `json:"peer,omitempty"`
	NextHop     string    `json:"nextHop,omitempty"`
	Destination string    `json:"destination,omitempty"`
	TokenID     string    `json:"tokenId,omitempty"`
	Amount      string    `json:"amount,omitempty"`
	Code        string    `json:"code,omitempty"`
	Balance     string    `json:"balance,omitempty"`
	Threshold   string    `json:"threshold,omitempty"`
	ExceedsBy   string    `json:"exceedsBy,omitempty"`
}

// Sink consumes events. Emit must not block the caller for long; the hot
// path of the packet handler runs through it.
type Sink interface {
	Emit(Event)
}

// NopSink discards all events.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(Event) {}

// Feed is an in-process broadcast sink. Subscribers receive events on
// buffered channels; a slow subscriber drops events rather than stalling
// the packet path.
type Feed struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber with the given channel buffer.
// The returned function cancels the subscription and closes the channel.
func (f *Feed) Subscribe(buffer int) (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	ch := make(chan Event, buffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	f.subs[id] = ch
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
}

// Emit implements Sink. Events are delivered best-effort; a full
// subscriber buffer drops the event for that subscriber only.
func (f *Feed) Emit(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close unsubscribes everyone and closes their channels.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
