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

package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Limits is the three-level amount lookup used for both credit limits and
// settlement thresholds: token-specific per peer, then per peer, then the
// default. A nil result means unlimited (or, for thresholds, disabled).
type Limits struct {
	// PerPeerToken maps peer id -> token id -> amount.
	PerPeerToken map[string]map[string]*uint256.Int
	// PerPeer maps peer id -> amount for all tokens.
	PerPeer map[string]*uint256.Int
	// Default applies when neither per-peer entry exists.
	Default *uint256.Int
	// GlobalCeiling caps the effective amount regardless of lookup level.
	GlobalCeiling *uint256.Int
}

// Effective resolves the amount for a peer and token. Returns nil when no
// level configures one and no ceiling applies.
func (l *Limits) Effective(peerID, tokenID string) *uint256.Int {
	if l == nil {
		return nil
	}
	var limit *uint256.Int
	if tokens, ok := l.PerPeerToken[peerID]; ok {
		if v, ok := tokens[tokenID]; ok {
			limit = v
		}
	}
	if limit == nil {
		if v, ok := l.PerPeer[peerID]; ok {
			limit = v
		}
	}
	if limit == nil {
		limit = l.Default
	}
	if l.GlobalCeiling != nil && (limit == nil || limit.Cmp(l.GlobalCeiling) > 0) {
		limit = l.GlobalCeiling
	}
	return limit
}

// ParseAmount converts a decimal string into a 256-bit amount. Amounts
// are never represented in floating point.
func ParseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("ledger: invalid amount %q: %v", s, err)
	}
	return v, nil
}
