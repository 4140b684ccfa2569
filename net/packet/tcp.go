// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package packet

import (
	"net/netip"

	"scrub.dev/net/packet/checksum"
	"scrub.dev/types/ipproto"
)

// TCPFlag is a bitmask of the flags in byte 13 of a TCP header.
type TCPFlag uint8

const (
	TCPFin TCPFlag = 0x01
	TCPSyn TCPFlag = 0x02
	TCPRst TCPFlag = 0x04
	TCPPsh TCPFlag = 0x08
	TCPAck TCPFlag = 0x10
	TCPUrg TCPFlag = 0x20
	TCPEce TCPFlag = 0x40
	TCPCwr TCPFlag = 0x80

	TCPSynAck = TCPSyn | TCPAck
)

// TCPHeaderLength is the length of a TCP header with no options.
const TCPHeaderLength = 20

// TCP option kinds.
const (
	TCPOptEOL = 0
	TCPOptNOP = 1
	TCPOptMSS = 2

	tcpOptMSSLen = 4
)

// TCP is a view of a TCP segment within a packet buffer. Methods that
// read fixed header fields require len(t) >= TCPHeaderLength.
type TCP []byte

func (t TCP) SrcPort() uint16 { return get16(t[0:2]) }
func (t TCP) DstPort() uint16 { return get16(t[2:4]) }

// DataOffset returns the header length in bytes, as declared by the
// segment. It may be less than TCPHeaderLength in malformed segments.
func (t TCP) DataOffset() int { return int(t[12]>>4) << 2 }

// Reserved returns the reserved bits between the data offset and the
// flags (including the obsolete NS bit).
func (t TCP) Reserved() uint8 { return t[12] & 0x0f }

func (t TCP) Flags() TCPFlag { return TCPFlag(t[13]) }

func (t TCP) Checksum() uint16 { return get16(t[16:18]) }

func (t TCP) UrgentPointer() uint16 { return get16(t[18:20]) }

// Options returns the option bytes of t, clipped to the bytes present.
func (t TCP) Options() []byte {
	end := t.DataOffset()
	if end > len(t) {
		end = len(t)
	}
	if end <= TCPHeaderLength {
		return nil
	}
	return t[TCPHeaderLength:end]
}

// SetFlagsAndReserved rewrites the 16-bit word holding the data offset,
// reserved bits and flags, keeping the data offset, and fixes up the
// checksum. It reports whether anything changed.
func (t TCP) SetFlagsAndReserved(reserved uint8, flags TCPFlag) bool {
	v := uint16(t[12]&0xf0|reserved&0x0f)<<8 | uint16(flags)
	if v == get16(t[12:14]) {
		return false
	}
	checksum.Update16(t[16:18], t, 12, v)
	return true
}

// SetUrgentPointer rewrites the urgent pointer and fixes up the checksum.
func (t TCP) SetUrgentPointer(v uint16) {
	checksum.Update16(t[16:18], t, 18, v)
}

// SetOption16 rewrites a 16-bit value at offset off within t, fixing up
// the checksum. Option values may sit at odd offsets, in which case the
// value straddles two checksum words.
func (t TCP) SetOption16(off int, v uint16) {
	if off%2 == 0 {
		checksum.Update16(t[16:18], t, off, v)
		return
	}
	var old [4]byte
	old[0], old[1], old[2] = t[off-1], t[off], t[off+1]
	if off+2 < len(t) {
		old[3] = t[off+2]
	} // else the segment ends here and is summed as if zero-padded
	nw := old
	put16(nw[1:3], v)
	checksum.Update(t[16:18], old[:], nw[:])
	t[off], t[off+1] = nw[1], nw[2]
}

// TCPHeader represents a TCP segment header for generating packets.
type TCPHeader struct {
	IPHeader Header // IP4Header or IP6Header
	SrcPort  uint16
	DstPort  uint16
	Seq      uint32
	Ack      uint32
	Flags    TCPFlag
	Reserved uint8
	Window   uint16
	Urgent   uint16
	Options  []byte // must be a multiple of 4 bytes long
}

// Len implements Header.
func (h TCPHeader) Len() int {
	return h.IPHeader.Len() + TCPHeaderLength + len(h.Options)
}

// Marshal implements Header. It writes the IP header and a TCP header
// with a correct checksum over the TCP header and payload.
func (h TCPHeader) Marshal(buf []byte) error {
	if len(buf) < h.Len() {
		return errSmallBuffer
	}
	if len(h.Options)%4 != 0 {
		return errBadOptions
	}
	if err := h.IPHeader.Marshal(buf); err != nil {
		return err
	}
	ipLen := h.IPHeader.Len()
	seg := buf[ipLen:]
	put16(seg[0:2], h.SrcPort)
	put16(seg[2:4], h.DstPort)
	put32(seg[4:8], h.Seq)
	put32(seg[8:12], h.Ack)
	seg[12] = byte((TCPHeaderLength+len(h.Options))>>2)<<4 | h.Reserved&0x0f
	seg[13] = byte(h.Flags)
	put16(seg[14:16], h.Window)
	put16(seg[16:18], 0)
	put16(seg[18:20], h.Urgent)
	copy(seg[TCPHeaderLength:], h.Options)

	var ph uint16
	switch ih := h.IPHeader.(type) {
	case IP4Header:
		ph = ip4PseudoHeaderSum(ih.Src, ih.Dst, ipproto.TCP, len(seg))
	case IP6Header:
		ph = ip6PseudoHeaderSum(ih.Src, ih.Dst, ipproto.TCP, len(seg))
	}
	put16(seg[16:18], checksum.Sum(seg, ph))
	return nil
}

// TCPChecksum computes the TCP checksum of seg from scratch, including
// the pseudo-header for src and dst. The checksum field in seg is treated
// as zero.
func TCPChecksum(src, dst netip.Addr, seg []byte) uint16 {
	var ph uint16
	if src.Is4() {
		ph = ip4PseudoHeaderSum(src, dst, ipproto.TCP, len(seg))
	} else {
		ph = ip6PseudoHeaderSum(src, dst, ipproto.TCP, len(seg))
	}
	c := make([]byte, len(seg))
	copy(c, seg)
	put16(c[16:18], 0)
	return checksum.Sum(c, ph)
}
