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

package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFeedBroadcast(t *testing.T) {
	f := NewFeed()
	a, cancelA := f.Subscribe(4)
	b, cancelB := f.Subscribe(4)
	defer cancelB()

	f.Emit(Event{Type: PacketReceived, PacketID: "aa"})
	require.Equal(t, PacketReceived, (<-a).Type)
	require.Equal(t, PacketReceived, (<-b).Type)

	cancelA()
	f.Emit(Event{Type: PacketFulfilled})
	_, open := <-a
	require.False(t, open)
	require.Equal(t, PacketFulfilled, (<-b).Type)
}

func TestFeedDropsWhenSubscriberFull(t *testing.T) {
	f := NewFeed()
	ch, cancel := f.Subscribe(1)
	defer cancel()

	f.Emit(Event{Type: PacketReceived})
	f.Emit(Event{Type: PacketRejected}) // dropped, buffer full

	require.Equal(t, PacketReceived, (<-ch).Type)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %v", ev.Type)
	default:
	}
}

func TestFeedClose(t *testing.T) {
	f := NewFeed()
	ch, _ := f.Subscribe(1)
	f.Close()
	_, open := <-ch
	require.False(t, open)

	// Subscribing after close yields a closed channel.
	ch2, cancel := f.Subscribe(1)
	cancel()
	_, open = <-ch2
	require.False(t, open)
}
