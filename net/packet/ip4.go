// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package packet

import (
	"encoding/binary"
	"net/netip"

	"scrub.dev/net/packet/checksum"
	"scrub.dev/types/ipproto"
)

// ip4HeaderLength is the length of an IPv4 header with no IP options.
const ip4HeaderLength = 20

// IPv4 flags and fragment offset field layout (bytes 6:8).
const (
	ip4FlagDF      = 0x4000
	ip4FlagMF      = 0x2000
	ip4FragOffMask = 0x1fff
)

// IP4Header represents an IPv4 packet header.
// The zero TTL marshals as 64.
type IP4Header struct {
	IPProto ipproto.Proto
	IPID    uint16
	Src     netip.Addr
	Dst     netip.Addr
	TTL     uint8

	DontFrag  bool
	MoreFrags bool
	FragOff   uint16 // in bytes; must be a multiple of 8
}

// Len implements Header.
func (h IP4Header) Len() int {
	return ip4HeaderLength
}

// Marshal implements Header.
func (h IP4Header) Marshal(buf []byte) error {
	if len(buf) < h.Len() {
		return errSmallBuffer
	}
	if len(buf) > MaxPacketLength {
		return errLargePacket
	}
	ttl := h.TTL
	if ttl == 0 {
		ttl = 64
	}

	buf[0] = 0x40 | (byte(h.Len() >> 2)) // IPv4 + IHL
	buf[1] = 0x00                        // DSCP + ECN
	put16(buf[2:4], uint16(len(buf)))    // Total length
	put16(buf[4:6], h.IPID)              // ID
	put16(buf[6:8], fragField(h.DontFrag, h.MoreFrags, h.FragOff))
	buf[8] = ttl              // TTL
	buf[9] = uint8(h.IPProto) // Inner protocol
	// Blank checksum. This is necessary even though we overwrite
	// it later, because the checksum computation runs over these
	// bytes and expects them to be zero.
	put16(buf[10:12], 0)
	src, dst := h.Src.As4(), h.Dst.As4()
	copy(buf[12:16], src[:])
	copy(buf[16:20], dst[:])

	put16(buf[10:12], checksum.Sum(buf[0:20], 0))
	return nil
}

func fragField(df, mf bool, off uint16) uint16 {
	v := (off >> 3) & ip4FragOffMask
	if df {
		v |= ip4FlagDF
	}
	if mf {
		v |= ip4FlagMF
	}
	return v
}

// BuildIP4Fragment returns a new datagram made of a copy of the IPv4
// header hdr (options included) followed by body, with the total length,
// more-fragments flag and fragment offset (in bytes) rewritten and the
// header checksum fixed up. The DF bit and all other fields are preserved.
// hdr is not modified.
func BuildIP4Fragment(hdr []byte, off uint16, more bool, body []byte) ([]byte, error) {
	hlen := len(hdr)
	if hlen < ip4HeaderLength {
		return nil, errSmallBuffer
	}
	if hlen+len(body) > MaxPacketLength || int(off)+len(body) > MaxPacketLength {
		return nil, errLargePacket
	}
	b := make([]byte, hlen+len(body))
	copy(b, hdr)
	copy(b[hlen:], body)
	SetIP4FragFields(b, off, more)
	return b, nil
}

// SetIP4FragFields rewrites, in place, the total length of the IPv4
// datagram b to len(b) and its fragment offset (in bytes) and
// more-fragments flag, fixing up the header checksum. DF is preserved.
func SetIP4FragFields(b []byte, off uint16, more bool) {
	sum := b[10:12]
	checksum.Update16(sum, b, 2, uint16(len(b)))
	df := get16(b[6:8])&ip4FlagDF != 0
	checksum.Update16(sum, b, 6, fragField(df, more, off))
}

// ip4PseudoHeaderSum returns the partial checksum of the IPv4
// pseudo-header for a transport segment of length n.
func ip4PseudoHeaderSum(src, dst netip.Addr, proto ipproto.Proto, n int) uint16 {
	var ph [12]byte
	s, d := src.As4(), dst.As4()
	copy(ph[0:4], s[:])
	copy(ph[4:8], d[:])
	ph[9] = uint8(proto)
	binary.BigEndian.PutUint16(ph[10:12], uint16(n))
	return checksum.Partial(ph[:], 0)
}
