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
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/interledger-go/ilpd/ilp"
)

// DeliveryRequest is the JSON view of a Prepare handed to local delivery.
// Amounts are decimal strings and binary fields are base64 so the payload
// crosses process boundaries without loss.
type DeliveryRequest struct {
	Destination        string `json:"destination"`
	Amount             string `json:"amount"`
	ExecutionCondition string `json:"executionCondition"`
	ExpiresAt          string `json:"expiresAt"`
	Data               string `json:"data,omitempty"`
	SourcePeer         string `json:"sourcePeer"`
}

// DeliveryFulfill is the accepting half of a delivery outcome.
type DeliveryFulfill struct {
	Fulfillment string `json:"fulfillment"`
	Data        string `json:"data,omitempty"`
}

// DeliveryReject is the declining half of a delivery outcome.
type DeliveryReject struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// DeliveryOutcome is the response of a local delivery handler. Exactly one
// of Fulfill or Reject must be set; anything else maps to a T00 reject.
type DeliveryOutcome struct {
	Fulfill *DeliveryFulfill `json:"fulfill,omitempty"`
	Reject  *DeliveryReject  `json:"reject,omitempty"`
}

// Deliverer terminates packets addressed to this node.
type Deliverer interface {
	Deliver(ctx context.Context, req *DeliveryRequest) (*DeliveryOutcome, error)
}

// DeliverFunc adapts an in-process function to Deliverer.
type DeliverFunc func(ctx context.Context, req *DeliveryRequest) (*DeliveryOutcome, error)

// Deliver implements Deliverer.
func (f DeliverFunc) Deliver(ctx context.Context, req *DeliveryRequest) (*DeliveryOutcome, error) {
	return f(ctx, req)
}

// HTTPDeliverer posts delivery requests to an external endpoint and decodes
// the outcome from the response body.
type HTTPDeliverer struct {
	URL    string
	Client *http.Client
}

// Deliver implements Deliverer.
func (d *HTTPDeliverer) Deliver(ctx context.Context, req *DeliveryRequest) (*DeliveryOutcome, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("local delivery endpoint returned %s", resp.Status)
	}
	var outcome DeliveryOutcome
	if err := json.NewDecoder(resp.Body).Decode(&outcome); err != nil {
		return nil, err
	}
	return &outcome, nil
}

// newDeliveryRequest builds the JSON view of a Prepare.
func newDeliveryRequest(prepare *ilp.Prepare, fromPeer string) *DeliveryRequest {
	return &DeliveryRequest{
		Destination:        string(prepare.Destination),
		Amount:             strconv.FormatUint(prepare.Amount, 10),
		ExecutionCondition: base64.StdEncoding.EncodeToString(prepare.ExecutionCondition[:]),
		ExpiresAt:          prepare.ExpiresAt.UTC().Format(time.RFC3339Nano),
		Data:               base64.StdEncoding.EncodeToString(prepare.Data),
		SourcePeer:         fromPeer,
	}
}

// packetFromOutcome converts a delivery outcome into the ILP packet to
// relay. Malformed outcomes return an error, which the handler maps to T00.
func packetFromOutcome(outcome *DeliveryOutcome, triggeredBy ilp.Address) (ilp.Packet, error) {
	switch {
	case outcome == nil:
		return nil, fmt.Errorf("local delivery returned no outcome")
	case outcome.Fulfill != nil && outcome.Reject != nil:
		return nil, fmt.Errorf("local delivery returned both fulfill and reject")
	case outcome.Fulfill != nil:
		raw, err := base64.StdEncoding.DecodeString(outcome.Fulfill.Fulfillment)
		if err != nil || len(raw) != ilp.ConditionSize {
			return nil, fmt.Errorf("local delivery returned malformed fulfillment")
		}
		fulfill := &ilp.Fulfill{}
		copy(fulfill.Fulfillment[:], raw)
		if outcome.Fulfill.Data != "" {
			if fulfill.Data, err = base64.StdEncoding.DecodeString(outcome.Fulfill.Data); err != nil {
				return nil, fmt.Errorf("local delivery returned malformed fulfill data")
			}
		}
		return fulfill, nil
	case outcome.Reject != nil:
		reject := ilp.NewReject(outcome.Reject.Code, triggeredBy, outcome.Reject.Message)
		if outcome.Reject.Data != "" {
			raw, err := base64.StdEncoding.DecodeString(outcome.Reject.Data)
			if err != nil {
				return nil, fmt.Errorf("local delivery returned malformed reject data")
			}
			reject.Data = raw
		}
		return reject, nil
	default:
		return nil, fmt.Errorf("local delivery returned neither fulfill nor reject")
	}
}
