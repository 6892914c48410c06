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
	"context"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/interledger-go/ilpd/events"
	"github.com/interledger-go/ilpd/internal/mclock"
)

// DefaultPollingInterval is how often the monitor reads balances when the
// config does not override it.
const DefaultPollingInterval = 30 * time.Second

// SettlementState tracks one account pair through the settlement cycle.
type SettlementState int

const (
	StateIdle SettlementState = iota
	StateSettlementPending
	StateSettlementInProgress
)

func (s SettlementState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSettlementPending:
		return "SETTLEMENT_PENDING"
	case StateSettlementInProgress:
		return "SETTLEMENT_IN_PROGRESS"
	default:
		return "UNKNOWN"
	}
}

// MonitorConfig configures a settlement monitor.
type MonitorConfig struct {
	Ledger     Ledger
	Thresholds *Limits
	Interval   time.Duration
	Clock      mclock.Clock
	Sink       events.Sink
	Log        *zap.Logger
}

// Monitor polls account balances and emits SETTLEMENT_REQUIRED when a
// pair's debit balance first crosses its threshold. The external
// settlement executor drives the PENDING -> IN_PROGRESS -> IDLE legs via
// MarkInProgress and Complete; the monitor stays silent in those states.
type Monitor struct {
	ledger     Ledger
	thresholds *Limits
	interval   time.Duration
	clock      mclock.Clock
	sink       events.Sink
	log        *zap.Logger

	mu     sync.Mutex
	states map[AccountPair]SettlementState

	quit chan struct{}
	done chan struct{}
}

// NewMonitor creates a monitor. Zero config fields get safe defaults.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollingInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	if cfg.Sink == nil {
		cfg.Sink = events.NopSink{}
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Monitor{
		ledger:     cfg.Ledger,
		thresholds: cfg.Thresholds,
		interval:   cfg.Interval,
		clock:      cfg.Clock,
		sink:       cfg.Sink,
		log:        cfg.Log,
		states:     make(map[AccountPair]SettlementState),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the polling loop.
func (m *Monitor) Start() {
	go m.loop()
}

func (m *Monitor) loop() {
	defer close(m.done)
	for {
		select {
		case <-m.clock.After(m.interval):
			m.poll()
		case <-m.quit:
			return
		}
	}
}

// poll reads every pair's debit balance and advances the state machines.
// Failures are logged and never affect packet forwarding.
func (m *Monitor) poll() {
	ctx := context.Background()
	pairs, err := m.ledger.Pairs(ctx)
	if err != nil {
		m.log.Warn("Settlement monitor cannot list account pairs", zap.Error(err))
		return
	}
	for _, pair := range pairs {
		threshold := m.thresholds.Effective(pair.PeerID, pair.TokenID)
		if threshold == nil {
			continue
		}
		debit, _, err := m.ledger.Balances(ctx, pair.PeerID, pair.TokenID)
		if err != nil {
			m.log.Warn("Settlement monitor cannot read balance",
				zap.String("peer", pair.PeerID), zap.String("token", pair.TokenID), zap.Error(err))
			continue
		}
		m.advance(pair, debit, threshold)
	}
}

func (m *Monitor) advance(pair AccountPair, debit, threshold *uint256.Int) {
	exceeds := debit.Cmp(threshold) >= 0

	m.mu.Lock()
	state := m.states[pair]
	var emit *events.Event
	switch state {
	case StateIdle:
		if exceeds {
			m.states[pair] = StateSettlementPending
			emit = &events.Event{
				Type:      events.SettlementRequired,
				Time:      m.clock.Now(),
				Peer:      pair.PeerID,
				TokenID:   pair.TokenID,
				Balance:   debit.Dec(),
				Threshold: threshold.Dec(),
				ExceedsBy: new(uint256.Int).Sub(debit, threshold).Dec(),
			}
		}
	case StateSettlementPending:
		if !exceeds {
			// Balance recovered before settlement started; no event.
			m.states[pair] = StateIdle
		}
	case StateSettlementInProgress:
		// Wait for the executor to call Complete.
	}
	m.mu.Unlock()

	if emit != nil {
		m.log.Info("Settlement required",
			zap.String("peer", pair.PeerID), zap.String("token", pair.TokenID),
			zap.String("balance", emit.Balance), zap.String("threshold", emit.Threshold))
		m.sink.Emit(*emit)
	}
}

// State returns the current settlement state of a pair.
func (m *Monitor) State(peerID, tokenID string) SettlementState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[AccountPair{PeerID: peerID, TokenID: tokenID}]
}

// MarkInProgress records that an external executor started settling the
// pair. Only valid from SETTLEMENT_PENDING; anything else is logged and
// ignored.
func (m *Monitor) MarkInProgress(peerID, tokenID string) {
	m.transition(peerID, tokenID, StateSettlementPending, StateSettlementInProgress)
}

// Complete records that settlement finished and re-arms the pair. Only
// valid from SETTLEMENT_IN_PROGRESS.
func (m *Monitor) Complete(peerID, tokenID string) {
	m.transition(peerID, tokenID, StateSettlementInProgress, StateIdle)
}

// Reset forces a pair back to IDLE regardless of its current state.
func (m *Monitor) Reset(peerID, tokenID string) {
	m.mu.Lock()
	m.states[AccountPair{PeerID: peerID, TokenID: tokenID}] = StateIdle
	m.mu.Unlock()
}

func (m *Monitor) transition(peerID, tokenID string, from, to SettlementState) {
	pair := AccountPair{PeerID: peerID, TokenID: tokenID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states[pair] != from {
		m.log.Warn("Ignoring invalid settlement state transition",
			zap.String("peer", peerID), zap.String("token", tokenID),
			zap.Stringer("current", m.states[pair]), zap.Stringer("requested", to))
		return
	}
	m.states[pair] = to
}

// Stop terminates the polling loop and waits for it to exit.
func (m *Monitor) Stop() {
	select {
	case <-m.quit:
		return
	default:
	}
	close(m.quit)
	<-m.done
}
