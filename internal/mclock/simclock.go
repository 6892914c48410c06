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

package mclock

import (
	"sync"
	"time"
)

// Simulated is a virtual Clock for reproducible time-sensitive tests. It
// does not advance on its own; call Run to move it forward and fire due
// timers. Processing on the virtual timescale takes zero time.
type Simulated struct {
	mu      sync.Mutex
	now     time.Time
	waiters []simWaiter
}

type simWaiter struct {
	at time.Time
	ch chan time.Time
}

// NewSimulated creates a simulated clock starting at the given instant.
func NewSimulated(start time.Time) *Simulated {
	return &Simulated{now: start}
}

// Now returns the current virtual time.
func (s *Simulated) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// After returns a channel that fires once the virtual clock has advanced
// past d.
func (s *Simulated) After(d time.Duration) <-chan time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan time.Time, 1)
	at := s.now.Add(d)
	if d <= 0 {
		ch <- at
		return ch
	}
	s.waiters = append(s.waiters, simWaiter{at: at, ch: ch})
	return ch
}

// Run advances the virtual clock by d, firing every timer scheduled before
// the new time.
func (s *Simulated) Run(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	var remaining []simWaiter
	for _, w := range s.waiters {
		if !w.at.After(s.now) {
			w.ch <- w.at
		} else {
			remaining = append(remaining, w)
		}
	}
	s.waiters = remaining
	s.mu.Unlock()
}

// WaiterCount returns the number of pending timers, letting tests block
// until the task under test has scheduled its next tick.
func (s *Simulated) WaiterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}
