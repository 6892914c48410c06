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

// Package ilp implements the Interledger packet types, their canonical
// binary encoding and the ILP error code taxonomy.
package ilp

import (
	"fmt"
	"regexp"
	"strings"
)

// LocalPeer is the routing-table next hop that designates local delivery.
const LocalPeer = "local"

var addressPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._~-]*$`)

// Address is a dot-separated lowercase ILP address, e.g. "g.alice.wallet".
type Address string

// Valid reports whether the address is well-formed.
func (a Address) Valid() bool {
	return len(a) > 0 && len(a) <= 1023 && addressPattern.MatchString(string(a))
}

// HasPrefix reports whether prefix is a raw string prefix of the address.
// The routing table matches on raw prefixes, not segment boundaries.
func (a Address) HasPrefix(prefix Address) bool {
	return strings.HasPrefix(string(a), string(prefix))
}

// ParseAddress validates s and returns it as an Address.
func ParseAddress(s string) (Address, error) {
	a := Address(s)
	if !a.Valid() {
		return "", fmt.Errorf("invalid ILP address %q", s)
	}
	return a, nil
}
