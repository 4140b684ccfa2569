// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package packet contains packet parsing and marshaling utilities for the
// IPv4, IPv6 and TCP headers the scrubber reads and rewrites in place.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"scrub.dev/net/packet/checksum"
	"scrub.dev/types/ipproto"
)

var (
	get16 = binary.BigEndian.Uint16
	get32 = binary.BigEndian.Uint32

	put16 = binary.BigEndian.PutUint16
	put32 = binary.BigEndian.PutUint32
)

var (
	// ErrShort is returned by Decode when the buffer is shorter than the
	// headers it claims to carry.
	ErrShort = errors.New("packet too short")
	// ErrVersion is returned by Decode for anything but IPv4 and IPv6.
	ErrVersion = errors.New("unsupported IP version")
	// ErrHeaderLen is returned by Decode when the IPv4 header length is
	// below the minimum or exceeds the declared total length.
	ErrHeaderLen = errors.New("bad IP header length")

	errBadOptions = errors.New("TCP options not a multiple of 4 bytes")
)

// Parsed is a minimal decoding of an IP datagram suitable for scrubbing.
//
// Only IPv4 fragmentation fields are decoded; IPv6 extension headers are
// not walked, so an IPv6 datagram's IPProto is its first Next Header.
type Parsed struct {
	// b is the byte buffer that this decodes.
	b []byte
	// subofs is the offset of the IP payload.
	subofs int
	// length is the total length of the datagram.
	// This is not the same as len(b) because b can have trailing bytes.
	length int

	IPVersion uint8         // 4 or 6
	IPProto   ipproto.Proto // IP subprotocol; the Next Header field for IPv6
	Src       netip.Addr
	Dst       netip.Addr
	IPID      uint16 // IPv4 identification
	TTL       uint8  // TTL, or hop limit for IPv6

	DontFrag  bool   // IPv4 DF flag
	MoreFrags bool   // IPv4 MF flag
	FragOff   uint16 // IPv4 fragment offset, in bytes
}

func (q *Parsed) String() string {
	if !q.Src.IsValid() {
		return "Unknown{???}"
	}
	var sb strings.Builder
	sb.WriteString(q.IPProto.String())
	sb.WriteByte('{')
	sb.WriteString(q.Src.String())
	sb.WriteString(" > ")
	sb.WriteString(q.Dst.String())
	if q.IsFragment() {
		fmt.Fprintf(&sb, " id=%d off=%d len=%d", q.IPID, q.FragOff, len(q.Payload()))
		if q.MoreFrags {
			sb.WriteString(" +")
		}
	}
	sb.WriteByte('}')
	return sb.String()
}

// Decode extracts data from the packet in b into q.
// It checks only what's needed to safely index the headers: the version,
// the IPv4 header length against the declared total length, and that the
// buffer holds the whole datagram. It doesn't allocate.
func (q *Parsed) Decode(b []byte) error {
	*q = Parsed{b: b}

	if len(b) < 1 {
		return ErrShort
	}
	switch v := b[0] >> 4; v {
	case 4:
		return q.decode4(b)
	case 6:
		return q.decode6(b)
	default:
		return ErrVersion
	}
}

func (q *Parsed) decode4(b []byte) error {
	if len(b) < ip4HeaderLength {
		return ErrShort
	}
	q.IPVersion = 4
	q.subofs = int(b[0]&0x0F) << 2
	q.length = int(get16(b[2:4]))
	if q.subofs < ip4HeaderLength || q.subofs > q.length {
		return ErrHeaderLen
	}
	if len(b) < q.length {
		// Packet was cut off before full IPv4 length.
		return ErrShort
	}

	q.IPID = get16(b[4:6])
	q.TTL = b[8]
	q.IPProto = ipproto.Proto(b[9])
	q.Src = netip.AddrFrom4([4]byte(b[12:16]))
	q.Dst = netip.AddrFrom4([4]byte(b[16:20]))

	frag := get16(b[6:8])
	q.DontFrag = frag&ip4FlagDF != 0
	q.MoreFrags = frag&ip4FlagMF != 0
	q.FragOff = (frag & ip4FragOffMask) << 3
	return nil
}

func (q *Parsed) decode6(b []byte) error {
	if len(b) < ip6HeaderLength {
		return ErrShort
	}
	q.IPVersion = 6
	q.subofs = ip6HeaderLength
	q.length = ip6HeaderLength + int(get16(b[4:6]))
	if len(b) < q.length {
		return ErrShort
	}
	q.IPProto = ipproto.Proto(b[6])
	q.TTL = b[7]
	q.Src = netip.AddrFrom16([16]byte(b[8:24]))
	q.Dst = netip.AddrFrom16([16]byte(b[24:40]))
	return nil
}

// Header returns the IP header bytes.
// This is a read-only view; that is, q retains the ownership of the buffer.
func (q *Parsed) Header() []byte {
	return q.b[:q.subofs]
}

// Payload returns the IP payload: the transport segment for whole
// datagrams, or the fragment's slice of it.
// This is a read-only view; that is, q retains the ownership of the buffer.
func (q *Parsed) Payload() []byte {
	return q.b[q.subofs:q.length]
}

// Trim trims the buffer to its IP length.
// Sometimes packets arrive from an interface with extra bytes on the end.
// This removes them.
func (q *Parsed) Trim() []byte {
	return q.b[:q.length]
}

// IsFragment reports whether q is an IPv4 fragment: it has a nonzero
// offset or the more-fragments flag set.
func (q *Parsed) IsFragment() bool {
	return q.IPVersion == 4 && (q.FragOff != 0 || q.MoreFrags)
}

// FragEnd returns the offset just past the last payload byte that q
// carries, in the original datagram.
func (q *Parsed) FragEnd() int {
	return int(q.FragOff) + len(q.Payload())
}

// TCP returns a view of the TCP segment, or nil if q isn't TCP, isn't
// the first fragment, or is too short to carry a fixed TCP header.
func (q *Parsed) TCP() TCP {
	if q.IPProto != ipproto.TCP || q.FragOff != 0 {
		return nil
	}
	p := q.Payload()
	if len(p) < TCPHeaderLength {
		return nil
	}
	return TCP(p)
}

// SetTTL rewrites the TTL (or IPv6 hop limit) in place, fixing up the
// IPv4 header checksum.
func (q *Parsed) SetTTL(ttl uint8) {
	q.TTL = ttl
	if q.IPVersion == 6 {
		q.b[7] = ttl
		return
	}
	checksum.Update16(q.b[10:12], q.b, 8, uint16(ttl)<<8|uint16(q.b[9]))
}

// ClearDF clears the IPv4 don't-fragment flag in place, fixing up the
// header checksum.
func (q *Parsed) ClearDF() {
	if q.IPVersion != 4 || !q.DontFrag {
		return
	}
	q.DontFrag = false
	checksum.Update16(q.b[10:12], q.b, 6, get16(q.b[6:8])&^ip4FlagDF)
}

// SetIPID rewrites the IPv4 identification field in place, fixing up the
// header checksum.
func (q *Parsed) SetIPID(id uint16) {
	if q.IPVersion != 4 {
		return
	}
	q.IPID = id
	checksum.Update16(q.b[10:12], q.b, 4, id)
}

// Hexdump returns a human readable hex dump of b, sixteen bytes per line.
func Hexdump(b []byte) string {
	out := new(strings.Builder)
	for i := 0; i < len(b); i += 16 {
		if i > 0 {
			fmt.Fprintf(out, "\n")
		}
		fmt.Fprintf(out, "  %04x  ", i)
		j := 0
		for ; j < 16 && i+j < len(b); j++ {
			if j == 8 {
				fmt.Fprintf(out, " ")
			}
			fmt.Fprintf(out, "%02x ", b[i+j])
		}
		for ; j < 16; j++ {
			if j == 8 {
				fmt.Fprintf(out, " ")
			}
			fmt.Fprintf(out, "   ")
		}
		fmt.Fprintf(out, " ")
		for j = 0; j < 16 && i+j < len(b); j++ {
			if b[i+j] >= 32 && b[i+j] < 128 {
				fmt.Fprintf(out, "%c", b[i+j])
			} else {
				fmt.Fprintf(out, ".")
			}
		}
	}
	return out.String()
}
