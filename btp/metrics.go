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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pendingRequestsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ilpd_btp_pending_requests",
		Help: "Requests awaiting a RESPONSE or ERROR across all endpoints.",
	})
	connectedPeersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ilpd_btp_connected_peers",
		Help: "Peers with a live authenticated connection.",
	})
	framesInCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ilpd_btp_frames_received_total",
		Help: "BTP frames received on all connections.",
	})
	framesOutCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ilpd_btp_frames_sent_total",
		Help: "BTP frames written to all connections.",
	})
	authFailureCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ilpd_btp_auth_failures_total",
		Help: "Inbound sessions rejected at authentication.",
	})
)
