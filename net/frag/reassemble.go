// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package frag

import (
	"bytes"
	"slices"
	"sort"
	"time"

	"scrub.dev/net/packet"
)

// fragEntry is one held piece of a datagram's payload.
type fragEntry struct {
	off, end uint16
	data     []byte // payload bytes [off, end), owned by the entry
	hdr      []byte // IP header, kept only by an untrimmed offset-0 entry
}

// fragGroup is a datagram being rebuilt.
type fragGroup struct {
	k        Key
	last     time.Time
	max      uint16
	seenLast bool
	entries  []fragEntry // sorted by off, pairwise disjoint
}

func (g *fragGroup) key() Key                 { return g.k }
func (g *fragGroup) touched() time.Time       { return g.last }
func (g *fragGroup) setTouched(now time.Time) { g.last = now }
func (g *fragGroup) numEntries() int          { return len(g.entries) }

func (g *fragGroup) info() GroupInfo {
	gi := GroupInfo{
		Key:      g.k,
		Mode:     Buffer,
		Max:      g.max,
		SeenLast: g.seenLast,
		Touched:  g.last,
	}
	for _, e := range g.entries {
		gi.Ranges = append(gi.Ranges, Range{e.off, e.end})
	}
	return gi
}

// complete reports whether the held entries cover [0, max) without gaps
// and the last fragment has arrived.
func (g *fragGroup) complete() bool {
	if !g.seenLast {
		return false
	}
	var next uint16
	for _, e := range g.entries {
		if e.off != next {
			return false
		}
		next = e.end
	}
	return next == g.max
}

// Reassemble buffers the IPv4 fragment q. When q completes its datagram,
// the group is destroyed and the rebuilt datagram is returned in
// Result.Packet.
//
// Overlaps are resolved in favor of data already held: the new fragment
// loses its front to the entry before it, and entries after it lose
// their fronts to the new fragment, or are discarded if it covers them.
//
// q's buffer is not retained.
func (t *Table) Reassemble(q *packet.Parsed) Result {
	k := KeyOf(q)
	data := q.Payload()
	off := q.FragOff
	end := q.FragEnd()
	if end > packet.MaxPacketLength {
		t.Remove(Buffer, k)
		return dropped(ErrTooBig)
	}

	// Reserve before the lookup: a flush may evict any group,
	// this fragment's included.
	if !t.frags.reserve() {
		t.FlushUnderPressure()
		if !t.frags.reserve() {
			return dropped(ErrNoMemory)
		}
	}
	now := t.clock.Now()
	g, h, ok := t.frags.find(k, now)
	if ok && g.seenLast && end > int(g.max) {
		t.frags.remove(h)
		t.frags.settle(0, 0, 1)
		return dropped(ErrBeyondLast)
	}
	if !ok {
		g = &fragGroup{k: k}
		h = t.frags.insert(g, now)
	}
	before := len(g.entries)

	e := fragEntry{off: off, end: uint16(end)}
	// i is the first entry starting after the new one; i-1 precedes it.
	i := sort.Search(len(g.entries), func(i int) bool { return g.entries[i].off > off })
	if i > 0 {
		prev := &g.entries[i-1]
		if prev.end > e.off {
			precut := prev.end - e.off
			if int(precut) >= len(data) {
				t.frags.settle(0, 0, 1)
				return dropped(ErrDuplicate)
			}
			e.off += precut
			data = data[precut:]
		}
	}
	j := i
	for ; j < len(g.entries) && e.end > g.entries[j].off; j++ {
		next := &g.entries[j]
		aftercut := e.end - next.off
		if aftercut < next.end-next.off {
			next.off += aftercut
			next.data = next.data[aftercut:]
			next.hdr = nil
			break
		}
	}
	e.data = bytes.Clone(data)
	if e.off == 0 {
		e.hdr = bytes.Clone(q.Header())
	}
	g.entries = slices.Replace(g.entries, i, j, e)
	t.frags.settle(before, len(g.entries), 1)

	if uint16(end) > g.max {
		g.max = uint16(end)
	}
	if !q.MoreFrags {
		g.seenLast = true
	}
	if !g.complete() {
		return Result{Status: Pending}
	}

	t.frags.remove(h)
	hdr := g.entries[0].hdr
	if len(hdr)+int(g.max) > packet.MaxPacketLength {
		t.logEvent("frag: %v: reassembled datagram too big (%d+%d)", k, len(hdr), g.max)
		return dropped(ErrTooBig)
	}
	b := make([]byte, len(hdr)+int(g.max))
	copy(b, hdr)
	for _, e := range g.entries {
		copy(b[len(hdr)+int(e.off):], e.data)
	}
	packet.SetIP4FragFields(b, 0, false)
	return Result{Status: Complete, Packet: b}
}
