// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package frag

import (
	"slices"
	"sort"
	"time"

	"scrub.dev/net/packet"
)

// rangeGroup records which payload ranges of a datagram have been
// forwarded.
type rangeGroup struct {
	k        Key
	last     time.Time
	max      uint16
	seenLast bool
	drop     bool    // drop every further fragment
	entries  []Range // sorted, disjoint and not adjacent
}

func (g *rangeGroup) key() Key                 { return g.k }
func (g *rangeGroup) touched() time.Time       { return g.last }
func (g *rangeGroup) setTouched(now time.Time) { g.last = now }
func (g *rangeGroup) numEntries() int          { return len(g.entries) }

func (g *rangeGroup) info() GroupInfo {
	return GroupInfo{
		Key:      g.k,
		Mode:     RangeCache,
		Max:      g.max,
		SeenLast: g.seenLast,
		Drop:     g.drop,
		Touched:  g.last,
		Ranges:   slices.Clone(g.entries),
	}
}

// span returns the indexes [i, j) of the entries that overlap or abut
// [off, end).
func (g *rangeGroup) span(off, end uint16) (i, j int) {
	i = sort.Search(len(g.entries), func(i int) bool { return g.entries[i].End >= off })
	j = sort.Search(len(g.entries), func(j int) bool { return g.entries[j].Off > end })
	return i, j
}

// merge records [off, end) as covered, coalescing it with every entry it
// overlaps or abuts.
func (g *rangeGroup) merge(off, end uint16) {
	i, j := g.span(off, end)
	if i < j {
		off = min(off, g.entries[i].Off)
		end = max(end, g.entries[j-1].End)
	}
	g.entries = slices.Replace(g.entries, i, j, Range{off, end})
}

// note updates the group's extent and last-fragment state for a
// fragment ending at end.
func (g *rangeGroup) note(end uint16, more bool) {
	if end > g.max {
		g.max = end
	}
	if !more {
		g.seenLast = true
	}
}

func (g *rangeGroup) complete() bool {
	return g.seenLast && len(g.entries) == 1 && g.entries[0] == Range{0, g.max}
}

// Cache passes the IPv4 fragment q through the range cache. Unless it is
// dropped, the fragment to forward is returned in Result.Packet: q's own
// buffer if nothing was trimmed, otherwise a new datagram carrying only
// bytes not forwarded before.
//
// With dropOverlap, any overlap with forwarded data drops the fragment
// and marks the group so that all its later fragments are dropped too.
// Dropped fragments still count toward the group's coverage, extent and
// last-fragment state, so that the group completes and is released.
func (t *Table) Cache(q *packet.Parsed, dropOverlap bool) Result {
	k := KeyOf(q)
	off := q.FragOff
	endInt := q.FragEnd()
	if endInt > packet.MaxPacketLength {
		t.Remove(RangeCache, k)
		return dropped(ErrTooBig)
	}
	end := uint16(endInt)
	more := q.MoreFrags

	// A new entry is needed only if the fragment touches no forwarded
	// range. Reserve before the touching lookup, as a flush may evict
	// this group.
	reserved := 0
	g, _, ok := t.ranges.peek(k)
	if !ok {
		reserved = 1
	} else if i, j := g.span(off, end); i == j {
		reserved = 1
	}
	if reserved == 1 && !t.ranges.reserve() {
		t.FlushUnderPressure()
		if !t.ranges.reserve() {
			return dropped(ErrNoMemory)
		}
	}

	now := t.clock.Now()
	g, h, ok := t.ranges.find(k, now)
	if ok && g.seenLast && end > g.max {
		t.ranges.remove(h)
		t.ranges.settle(0, 0, reserved)
		return dropped(ErrBeyondLast)
	}
	if !ok {
		g = &rangeGroup{k: k}
		h = t.ranges.insert(g, now)
	}
	before := len(g.entries)
	res := t.cache(g, q, off, end, more, dropOverlap)
	t.ranges.settle(before, len(g.entries), reserved)

	if g.complete() {
		t.ranges.remove(h)
		if res.Status == Pending {
			res.Status = Complete
		}
	}
	return res
}

func (t *Table) cache(g *rangeGroup, q *packet.Parsed, off, end uint16, more, dropOverlap bool) Result {
	if g.drop {
		g.merge(off, end)
		g.note(end, more)
		return dropped(ErrOverlap)
	}

	// i is the first range starting after off; i-1 precedes it.
	i := sort.Search(len(g.entries), func(i int) bool { return g.entries[i].Off > off })
	start, stop := off, end
	if i > 0 && g.entries[i-1].End > start {
		if dropOverlap {
			return t.dropGroup(g, off, end, more)
		}
		precut := g.entries[i-1].End - start
		if precut >= end-off {
			g.note(end, more)
			return dropped(ErrDuplicate)
		}
		start += precut
		// Only reachable when an earlier more-fragments piece had a
		// length that is not a multiple of 8, which Cache does not check.
		if start%8 != 0 {
			g.note(end, more)
			return dropped(ErrMisaligned)
		}
	}
	if i < len(g.entries) && stop > g.entries[i].Off {
		if dropOverlap {
			return t.dropGroup(g, off, end, more)
		}
		stop = g.entries[i].Off
	}

	g.merge(start, stop)
	g.note(end, more)
	if start == off && stop == end {
		return Result{Status: Pending, Packet: q.Trim()}
	}

	// Bytes past a cut tail are already out there, so the trimmed
	// piece is never the datagram's last.
	body := q.Payload()[start-off : stop-off]
	b, err := packet.BuildIP4Fragment(q.Header(), start, more || stop < end, body)
	if err != nil {
		return dropped(ErrTooBig)
	}
	return Result{Status: Pending, Packet: b}
}

func (t *Table) dropGroup(g *rangeGroup, off, end uint16, more bool) Result {
	t.logEvent("frag: %v: overlap at [%d,%d), dropping group", g.k, off, end)
	g.drop = true
	g.merge(off, end)
	g.note(end, more)
	return dropped(ErrOverlap)
}
