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

package ilp

// ILP error codes. The first letter classifies the failure: F errors are
// final, T errors are temporary and R errors are relative to the transfer
// timeout.
const (
	CodeBadRequest            = "F00"
	CodeInvalidPacket         = "F01"
	CodeUnreachable           = "F02"
	CodeInvalidAmount         = "F03"
	CodeUnexpectedPayment     = "F06"
	CodeApplicationError      = "F99"
	CodeTransferTimedOut      = "R00"
	CodeInternalError         = "T00"
	CodePeerUnreachable       = "T01"
	CodeInsufficientLiquidity = "T04"
)

var errorNames = map[string]string{
	CodeBadRequest:            "Bad Request",
	CodeInvalidPacket:         "Invalid Packet",
	CodeUnreachable:           "Unreachable",
	CodeInvalidAmount:         "Invalid Amount",
	CodeUnexpectedPayment:     "Unexpected Payment",
	CodeApplicationError:      "Application Error",
	CodeTransferTimedOut:      "Transfer Timed Out",
	CodeInternalError:         "Internal Error",
	CodePeerUnreachable:       "Peer Unreachable",
	CodeInsufficientLiquidity: "Insufficient Liquidity",
}

// ErrorName returns the human readable name of an ILP error code, or the
// code itself if it is not part of the taxonomy.
func ErrorName(code string) string {
	if name, ok := errorNames[code]; ok {
		return name
	}
	return code
}

// NewReject builds a Reject packet attributed to the given node.
func NewReject(code string, triggeredBy Address, message string) *Reject {
	return &Reject{Code: code, TriggeredBy: triggeredBy, Message: message}
}
