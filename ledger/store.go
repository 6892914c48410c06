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
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// Store is the leveldb-backed Ledger. Balances survive restarts; a write
// batch posts both legs of a packet so the pair is atomic, and per-id
// transfer markers make re-recording idempotent.
type Store struct {
	db     *leveldb.DB
	limits *Limits
	log    *zap.Logger

	// mu serializes read-modify-write cycles on balances. Packet volume
	// is bounded by the transport, not by this lock.
	mu sync.Mutex
}

// Key layout. Peer and token ids cannot contain NUL, which the config
// layer guarantees by validating ids against the ILP address charset.
const (
	balancePrefix  = "b\x00"
	transferPrefix = "t\x00"
	debitSuffix    = "d"
	creditSuffix   = "c"
)

func balanceKey(peerID, tokenID, side string) []byte {
	return []byte(balancePrefix + peerID + "\x00" + tokenID + "\x00" + side)
}

func transferKey(id TransferID) []byte {
	return append([]byte(transferPrefix), id[:]...)
}

// OpenStore opens (or creates) the accounting database at path.
func OpenStore(path string, limits *Limits, log *zap.Logger) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: cannot open store at %s: %w", path, err)
	}
	return &Store{db: db, limits: limits, log: log}, nil
}

// NewMemStore opens an in-memory store, used by tests and ephemeral
// deployments.
func NewMemStore(limits *Limits, log *zap.Logger) (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, limits: limits, log: log}, nil
}

func (s *Store) readBalance(key []byte) (*uint256.Int, error) {
	raw, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return uint256.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).SetBytes(raw), nil
}

func (s *Store) writeBalance(batch *leveldb.Batch, key []byte, v *uint256.Int) {
	b := v.Bytes32()
	batch.Put(key, b[:])
}

// CheckCreditLimit implements Ledger.
func (s *Store) CheckCreditLimit(ctx context.Context, peerID, tokenID string, amount uint64) (*Violation, error) {
	limit := s.limits.Effective(peerID, tokenID)
	if limit == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	debit, err := s.readBalance(balanceKey(peerID, tokenID, debitSuffix))
	if err != nil {
		return nil, err
	}
	requested := uint256.NewInt(amount)
	proposed := new(uint256.Int).Add(debit, requested)
	if proposed.Cmp(limit) <= 0 {
		return nil, nil
	}
	return &Violation{
		CurrentBalance:  debit,
		RequestedAmount: requested,
		CreditLimit:     limit.Clone(),
		WouldExceedBy:   new(uint256.Int).Sub(proposed, limit),
	}, nil
}

// RecordPacketTransfers implements Ledger. Both legs are applied in one
// leveldb batch: either both balances move or neither does.
func (s *Store) RecordPacketTransfers(ctx context.Context, xfer PacketTransfers) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inSeen, err := s.db.Has(transferKey(xfer.IncomingID), nil)
	if err != nil {
		return err
	}
	outSeen, err := s.db.Has(transferKey(xfer.OutgoingID), nil)
	if err != nil {
		return err
	}
	if inSeen && outSeen {
		s.log.Debug("Transfer pair already recorded",
			zap.Stringer("incoming", xfer.IncomingID), zap.Stringer("outgoing", xfer.OutgoingID))
		return nil
	}
	if inSeen != outSeen {
		// Cannot happen with batched writes; refuse to double-count.
		return fmt.Errorf("ledger: transfer pair %s/%s partially recorded",
			xfer.IncomingID, xfer.OutgoingID)
	}

	debitKey := balanceKey(xfer.FromPeer, xfer.TokenID, debitSuffix)
	debit, err := s.readBalance(debitKey)
	if err != nil {
		return err
	}
	creditKey := balanceKey(xfer.ToPeer, xfer.TokenID, creditSuffix)
	credit, err := s.readBalance(creditKey)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	s.writeBalance(batch, debitKey, new(uint256.Int).Add(debit, uint256.NewInt(xfer.IncomingAmount)))
	s.writeBalance(batch, creditKey, new(uint256.Int).Add(credit, uint256.NewInt(xfer.OutgoingAmount)))
	batch.Put(transferKey(xfer.IncomingID), []byte{1})
	batch.Put(transferKey(xfer.OutgoingID), []byte{1})
	return s.db.Write(batch, nil)
}

// Balances implements Ledger.
func (s *Store) Balances(ctx context.Context, peerID, tokenID string) (*uint256.Int, *uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	debit, err := s.readBalance(balanceKey(peerID, tokenID, debitSuffix))
	if err != nil {
		return nil, nil, err
	}
	credit, err := s.readBalance(balanceKey(peerID, tokenID, creditSuffix))
	if err != nil {
		return nil, nil, err
	}
	return debit, credit, nil
}

// Pairs implements Ledger by scanning the balance keyspace.
func (s *Store) Pairs(ctx context.Context) ([]AccountPair, error) {
	seen := make(map[AccountPair]struct{})
	var pairs []AccountPair
	iter := s.db.NewIterator(util.BytesPrefix([]byte(balancePrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		parts := bytes.Split(iter.Key(), []byte{0})
		if len(parts) != 4 {
			continue
		}
		pair := AccountPair{PeerID: string(parts[1]), TokenID: string(parts[2])}
		if _, ok := seen[pair]; ok {
			continue
		}
		seen[pair] = struct{}{}
		pairs = append(pairs, pair)
	}
	return pairs, iter.Error()
}

// Close implements Ledger.
func (s *Store) Close() error { return s.db.Close() }
