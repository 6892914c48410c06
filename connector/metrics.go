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

package connector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	packetsReceivedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ilpd_packets_received_total",
		Help: "Prepare packets entering the handler.",
	})
	packetsForwardedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ilpd_packets_forwarded_total",
		Help: "Prepare packets sent to a next hop.",
	})
	packetsFulfilledCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ilpd_packets_fulfilled_total",
		Help: "Packets that ended in a Fulfill.",
	})
	packetsRejectedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ilpd_packets_rejected_total",
		Help: "Packets that ended in a Reject, by ILP error code.",
	}, []string{"code"})
	localDeliveriesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ilpd_local_deliveries_total",
		Help: "Packets delivered to the local node instead of forwarded.",
	})
)
