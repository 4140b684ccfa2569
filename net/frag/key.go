// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package frag

import (
	"cmp"
	"fmt"
	"net/netip"

	"scrub.dev/net/packet"
	"scrub.dev/types/ipproto"
)

// Key identifies a fragment group: all fragments of one original
// datagram share it.
type Key struct {
	Src   netip.Addr
	Dst   netip.Addr
	Proto ipproto.Proto
	ID    uint16
}

// KeyOf returns the fragment group key of q.
func KeyOf(q *packet.Parsed) Key {
	return Key{Src: q.Src, Dst: q.Dst, Proto: q.IPProto, ID: q.IPID}
}

// Compare returns an integer comparing k and o: by ID, then protocol,
// then source, then destination. The order carries no meaning beyond
// being total, for use in the group index.
func (k Key) Compare(o Key) int {
	if c := cmp.Compare(k.ID, o.ID); c != 0 {
		return c
	}
	if c := cmp.Compare(k.Proto, o.Proto); c != 0 {
		return c
	}
	if c := k.Src.Compare(o.Src); c != 0 {
		return c
	}
	return k.Dst.Compare(o.Dst)
}

func (k Key) String() string {
	return fmt.Sprintf("%v{%v > %v id=%d}", k.Proto, k.Src, k.Dst, k.ID)
}
