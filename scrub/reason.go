// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package scrub

// Response is a verdict on one datagram.
type Response int

const (
	Drop Response = iota
	Pass
)

func (r Response) String() string {
	switch r {
	case Drop:
		return "Drop"
	case Pass:
		return "Pass"
	default:
		return "???"
	}
}

// Reason says why a datagram got its verdict. It is used as the label of
// the dropped packets metric.
type Reason string

const (
	ReasonNone Reason = ""
	// ReasonPending: a buffered fragment whose datagram is not complete.
	ReasonPending Reason = "pending"

	ReasonMalformed Reason = "malformed"    // headers don't decode
	ReasonFragment  Reason = "bad_fragment" // illegal fragment or fragment set
	ReasonOverlap   Reason = "overlap"      // overlap in a group that drops overlaps
	ReasonDuplicate Reason = "duplicate"    // every byte already seen
	ReasonMemory    Reason = "memory"       // out of fragment entries
	ReasonTCPFlags  Reason = "tcp_flags"    // illegal TCP flag combination
	ReasonTCPHeader Reason = "tcp_header"   // TCP header too short
)

// Class is the error category of a Reason.
type Class int

const (
	ClassNone Class = iota
	// ClassIncomplete is the normal state of waiting for more fragments.
	ClassIncomplete
	ClassProtocolViolation
	ClassResourceExhausted
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassIncomplete:
		return "incomplete"
	case ClassProtocolViolation:
		return "protocol-violation"
	case ClassResourceExhausted:
		return "resource-exhausted"
	default:
		return "???"
	}
}

// Class returns the error category of r. An absorbed duplicate fragment
// is dropped but is not an error.
func (r Reason) Class() Class {
	switch r {
	case ReasonPending:
		return ClassIncomplete
	case ReasonMemory:
		return ClassResourceExhausted
	case ReasonNone, ReasonDuplicate:
		return ClassNone
	default:
		return ClassProtocolViolation
	}
}
