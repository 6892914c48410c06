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

// Package routing implements the connector's prefix routing table.
package routing

import (
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/interledger-go/ilpd/ilp"
)

// lookupCacheSize bounds the destination->nextHop cache. Lookups are
// per-packet while table mutations are admin-driven and rare, so a
// moderate cache absorbs almost all traffic.
const lookupCacheSize = 4096

// Route maps an address prefix to the peer packets should be forwarded to.
type Route struct {
	Prefix   ilp.Address
	NextHop  string
	Priority int

	seq uint64 // insertion order, breaks remaining ties deterministically
}

// Table is a longest-prefix match routing table. Reads are per-packet and
// lock-free on the cache fast path; writes invalidate the cache.
type Table struct {
	mu      sync.RWMutex
	routes  []Route
	nextSeq uint64
	cache   *lru.Cache
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	cache, _ := lru.New(lookupCacheSize)
	return &Table{cache: cache}
}

// AddRoute inserts or replaces the route for prefix.
func (t *Table) AddRoute(prefix ilp.Address, nextHop string, priority int) error {
	if !prefix.Valid() {
		return fmt.Errorf("routing: invalid prefix %q", prefix)
	}
	if nextHop == "" {
		return fmt.Errorf("routing: empty next hop for prefix %q", prefix)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.routes {
		if t.routes[i].Prefix == prefix {
			t.routes[i].NextHop = nextHop
			t.routes[i].Priority = priority
			t.cache.Purge()
			return nil
		}
	}
	t.routes = append(t.routes, Route{Prefix: prefix, NextHop: nextHop, Priority: priority, seq: t.nextSeq})
	t.nextSeq++
	t.cache.Purge()
	return nil
}

// RemoveRoute deletes the route for prefix. Removing an absent prefix is
// a no-op.
func (t *Table) RemoveRoute(prefix ilp.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.routes {
		if t.routes[i].Prefix == prefix {
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			t.cache.Purge()
			return
		}
	}
}

// GetNextHop returns the peer id for the best matching route, or "" if no
// route matches. Among matching prefixes the highest priority wins, ties
// go to the longest prefix, and remaining ties to the earliest insertion.
func (t *Table) GetNextHop(destination ilp.Address) string {
	if hop, ok := t.cache.Get(destination); ok {
		return hop.(string)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	best := -1
	for i := range t.routes {
		if !destination.HasPrefix(t.routes[i].Prefix) {
			continue
		}
		if best < 0 || betterRoute(&t.routes[i], &t.routes[best]) {
			best = i
		}
	}
	if best < 0 {
		return ""
	}
	hop := t.routes[best].NextHop
	t.cache.Add(destination, hop)
	return hop
}

func betterRoute(a, b *Route) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if len(a.Prefix) != len(b.Prefix) {
		return len(a.Prefix) > len(b.Prefix)
	}
	return a.seq < b.seq
}

// AllRoutes returns a copy of the table sorted by prefix.
func (t *Table) AllRoutes() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	routes := make([]Route, len(t.routes))
	copy(routes, t.routes)
	sort.Slice(routes, func(i, j int) bool { return routes[i].Prefix < routes[j].Prefix })
	return routes
}

// Len returns the number of configured routes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}
