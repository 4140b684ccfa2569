// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package packet

import (
	"encoding/binary"
	"net/netip"

	"scrub.dev/net/packet/checksum"
	"scrub.dev/types/ipproto"
)

// ip6HeaderLength is the length of an IPv6 header with no extension headers.
const ip6HeaderLength = 40

// IP6Header represents an IPv6 packet header.
// The zero HopLimit marshals as 64.
type IP6Header struct {
	IPProto  ipproto.Proto
	IPID     uint32 // only lower 20 bits used
	Src      netip.Addr
	Dst      netip.Addr
	HopLimit uint8
}

// Len implements Header.
func (h IP6Header) Len() int {
	return ip6HeaderLength
}

// Marshal implements Header.
func (h IP6Header) Marshal(buf []byte) error {
	if len(buf) < h.Len() {
		return errSmallBuffer
	}
	if len(buf) > MaxPacketLength {
		return errLargePacket
	}
	hl := h.HopLimit
	if hl == 0 {
		hl = 64
	}

	binary.BigEndian.PutUint32(buf[:4], h.IPID&0x000FFFFF)
	buf[0] = 0x60
	put16(buf[4:6], uint16(len(buf)-ip6HeaderLength)) // Payload length
	buf[6] = uint8(h.IPProto)                         // Next header
	buf[7] = hl
	src, dst := h.Src.As16(), h.Dst.As16()
	copy(buf[8:24], src[:])
	copy(buf[24:40], dst[:])
	return nil
}

// ip6PseudoHeaderSum returns the partial checksum of the IPv6
// pseudo-header for a transport segment of length n.
func ip6PseudoHeaderSum(src, dst netip.Addr, proto ipproto.Proto, n int) uint16 {
	var ph [40]byte
	s, d := src.As16(), dst.As16()
	copy(ph[0:16], s[:])
	copy(ph[16:32], d[:])
	binary.BigEndian.PutUint32(ph[32:36], uint32(n))
	ph[39] = uint8(proto)
	return checksum.Partial(ph[:], 0)
}
