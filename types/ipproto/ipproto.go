// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package ipproto contains IP Protocol constants.
package ipproto

import "strconv"

// Proto is an IP subprotocol as used in the IPv4 Protocol field or the
// IPv6 Next Header field.
type Proto uint8

const (
	// Unknown represents an unknown or unsupported protocol; it's
	// deliberately the zero value.
	Unknown Proto = 0x00

	ICMPv4 Proto = 0x01
	IGMP   Proto = 0x02
	TCP    Proto = 0x06
	UDP    Proto = 0x11
	GRE    Proto = 0x2f
	ICMPv6 Proto = 0x3a
	SCTP   Proto = 0x84

	// Fragment is not a real protocol number. It's used by packet
	// decoding to mark a non-initial fragment, whose transport
	// header isn't present.
	Fragment Proto = 0xFF
)

var protoNames = map[Proto]string{
	Unknown:  "Unknown",
	ICMPv4:   "ICMPv4",
	IGMP:     "IGMP",
	TCP:      "TCP",
	UDP:      "UDP",
	GRE:      "GRE",
	ICMPv6:   "ICMPv6",
	SCTP:     "SCTP",
	Fragment: "Frag",
}

func (p Proto) String() string {
	if s, ok := protoNames[p]; ok {
		return s
	}
	return "IPProto-" + strconv.Itoa(int(p))
}
