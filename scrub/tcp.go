// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package scrub

import (
	"encoding/binary"

	"scrub.dev/net/packet"
)

// NormalizeTCP checks the flags and header length of the TCP segment tcp
// and sanitizes it in place: FIN is cleared on SYN, reserved bits are
// cleared, a stray urgent pointer is zeroed and, if maxMSS is nonzero,
// the MSS option is clamped to it. Every rewrite fixes up the checksum
// incrementally.
//
// It returns ReasonNone if the segment may pass, in which case rewrote
// reports whether tcp was modified. Otherwise tcp is left untouched.
func NormalizeTCP(tcp packet.TCP, maxMSS uint16) (r Reason, rewrote bool) {
	flags := tcp.Flags()
	if flags&packet.TCPSyn != 0 {
		if flags&packet.TCPRst != 0 {
			return ReasonTCPFlags, false
		}
		flags &^= packet.TCPFin
	} else if flags&(packet.TCPAck|packet.TCPRst) == 0 {
		return ReasonTCPFlags, false
	}
	// FIN, PSH and URG only mean something alongside ACK.
	if flags&packet.TCPAck == 0 && flags&(packet.TCPFin|packet.TCPPsh|packet.TCPUrg) != 0 {
		return ReasonTCPFlags, false
	}
	if tcp.DataOffset() < packet.TCPHeaderLength {
		return ReasonTCPHeader, false
	}

	if tcp.SetFlagsAndReserved(0, flags) {
		rewrote = true
	}
	if flags&packet.TCPUrg == 0 && tcp.UrgentPointer() != 0 {
		tcp.SetUrgentPointer(0)
		rewrote = true
	}
	if maxMSS != 0 && clampMSS(tcp, maxMSS) {
		rewrote = true
	}
	return ReasonNone, rewrote
}

// clampMSS lowers any MSS option above maxMSS. A malformed option ends
// the walk, keeping what was done so far.
func clampMSS(tcp packet.TCP, maxMSS uint16) (rewrote bool) {
	opts := tcp.Options()
	for i := 0; i < len(opts); {
		switch opts[i] {
		case packet.TCPOptEOL:
			return rewrote
		case packet.TCPOptNOP:
			i++
			continue
		}
		if i+1 >= len(opts) {
			return rewrote
		}
		olen := int(opts[i+1])
		if olen < 2 || olen > len(opts)-i {
			return rewrote
		}
		if opts[i] == packet.TCPOptMSS && olen >= 4 {
			if binary.BigEndian.Uint16(opts[i+2:]) > maxMSS {
				tcp.SetOption16(packet.TCPHeaderLength+i+2, maxMSS)
				rewrote = true
			}
		}
		i += olen
	}
	return rewrote
}
