// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package checksum provides functions for computing and incrementally
// updating Internet checksums in packet buffers.
package checksum

import "encoding/binary"

// Sum computes the Internet checksum of b as specified in RFC 1071,
// starting from the partial (uncomplemented) sum initial. The returned
// value is complemented and ready to be stored in a header.
func Sum(b []byte, initial uint16) uint16 {
	return ^Partial(b, initial)
}

// Partial returns the folded, uncomplemented one's complement sum of b
// added to initial. It's useful for pseudo-headers.
func Partial(b []byte, initial uint16) uint16 {
	ac := uint32(initial)
	for len(b) >= 2 {
		ac += uint32(binary.BigEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) == 1 {
		ac += uint32(b[0]) << 8
	}
	for (ac >> 16) > 0 {
		ac = (ac >> 16) + (ac & 0xffff)
	}
	return uint16(ac)
}

// Fixup returns the checksum sum updated for a single 16-bit field
// changing from old to new.
//
//	RFC 1624
//	Given the following notation:
//
//	    HC  - old checksum in header
//	    C   - one's complement sum of old header
//	    HC' - new checksum in header
//	    C'  - one's complement sum of new header
//	    m   - old value of a 16-bit field
//	    m'  - new value of a 16-bit field
//
//	    HC' = ~(C + (-m) + m')  --    [Eqn. 3]
//	    HC' = ~(~HC + ~m + m')
func Fixup(sum, old, new uint16) uint16 {
	if old == new {
		return sum
	}
	c := uint32(^sum) + uint32(^old) + uint32(new)
	// Account for overflows by adding the carry bits back into the sum.
	for (c >> 16) > 0 {
		c = c&0xFFFF + c>>16
	}
	return ^uint16(c)
}

// Update updates the checksum stored in sumField (a 2-byte slice of the
// packet buffer) for a change from old to new. The old and new must be
// the same length, an even number of bytes, and aligned on 16-bit word
// boundaries relative to the start of the checksummed data.
func Update(sumField, old, new []byte) {
	if len(old) != len(new) {
		panic("old and new must be the same length")
	}
	if len(old)%2 != 0 {
		panic("old and new must be of even length")
	}
	sum := binary.BigEndian.Uint16(sumField)
	for len(new) > 0 {
		sum = Fixup(sum, binary.BigEndian.Uint16(old), binary.BigEndian.Uint16(new))
		new, old = new[2:], old[2:]
	}
	binary.BigEndian.PutUint16(sumField, sum)
}

// Update16 rewrites the 16-bit big-endian field at b[off:off+2] to v and
// fixes the checksum stored at sumField accordingly. off must be even
// relative to the start of the checksummed data.
func Update16(sumField, b []byte, off int, v uint16) {
	old := binary.BigEndian.Uint16(b[off:])
	if old == v {
		return
	}
	binary.BigEndian.PutUint16(b[off:], v)
	binary.BigEndian.PutUint16(sumField, Fixup(binary.BigEndian.Uint16(sumField), old, v))
}
