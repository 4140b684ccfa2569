// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package frag holds IPv4 fragment state: a buffering reassembler that
// rebuilds whole datagrams, and a range cache that only records which
// byte ranges of each datagram have already been forwarded.
//
// A Table is not safe for concurrent use. Callers serialize access, from
// lookup through mutation, with their own lock.
package frag

import (
	"errors"
	"time"

	"github.com/google/btree"
	"golang.org/x/time/rate"
	"scrub.dev/tstime"
	"scrub.dev/types/logger"
)

// Mode selects which of a Table's two pools a datagram's fragments go to.
type Mode uint8

const (
	// Buffer holds fragments until the datagram can be rebuilt.
	Buffer Mode = iota
	// RangeCache forwards fragments as they arrive, trimmed of bytes
	// that an earlier fragment already carried.
	RangeCache
)

func (m Mode) String() string {
	switch m {
	case Buffer:
		return "buffer"
	case RangeCache:
		return "range-cache"
	default:
		return "unknown"
	}
}

// Default limits, in effect when the corresponding Config field is zero.
const (
	DefaultMaxFragEntries  = 5000
	DefaultMaxRangeEntries = 5000
	DefaultTimeout         = 30 * time.Second
)

// Config bounds a Table's memory and the lifetime of idle groups.
type Config struct {
	// MaxFragEntries caps buffered fragment entries across all groups.
	MaxFragEntries int
	// MaxRangeEntries caps range cache entries across all groups.
	MaxRangeEntries int
	// Timeout is how long a group may go untouched before
	// PurgeExpired removes it.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxFragEntries <= 0 {
		c.MaxFragEntries = DefaultMaxFragEntries
	}
	if c.MaxRangeEntries <= 0 {
		c.MaxRangeEntries = DefaultMaxRangeEntries
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Errors reported in Result.Err when a fragment is dropped.
var (
	// ErrDuplicate means every byte of the fragment was already held
	// or forwarded.
	ErrDuplicate = errors.New("frag: duplicate fragment")
	// ErrOverlap means the fragment overlapped earlier data in a group
	// that drops overlaps, or arrived for a group already marked to drop.
	ErrOverlap = errors.New("frag: overlapping fragment")
	// ErrNoMemory means no entry could be allocated, even after a
	// pressure flush.
	ErrNoMemory = errors.New("frag: out of fragment entries")
	// ErrBeyondLast means the fragment extends past the end set by the
	// group's last fragment. The group is destroyed.
	ErrBeyondLast = errors.New("frag: fragment beyond last fragment")
	// ErrTooBig means the rebuilt datagram would exceed the maximum IP
	// length. The group is destroyed.
	ErrTooBig = errors.New("frag: reassembled datagram too big")
	// ErrMisaligned means trimming would leave a fragment starting at an
	// offset that IPv4 cannot express.
	ErrMisaligned = errors.New("frag: trimmed fragment misaligned")
)

// Status is the outcome of handing a fragment to a Table.
type Status uint8

const (
	// Pending means the fragment was accepted and its datagram is
	// not complete yet.
	Pending Status = iota
	// Complete means this fragment completed its datagram; the group
	// is gone.
	Complete
	// Dropped means the fragment was dropped; Result.Err says why.
	Dropped
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Complete:
		return "complete"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Result is what Reassemble and Cache report for one fragment.
type Result struct {
	Status Status
	Err    error // non-nil iff Status == Dropped

	// Packet is the datagram to emit, if any. For Reassemble it is the
	// rebuilt datagram on Complete. For Cache it is the fragment to
	// forward, trimmed of already forwarded bytes, on Pending and
	// Complete.
	Packet []byte
}

func dropped(err error) Result {
	return Result{Status: Dropped, Err: err}
}

// Range is a half-open byte range [Off, End) of a datagram's payload.
type Range struct {
	Off, End uint16
}

// GroupInfo is a snapshot of one fragment group.
type GroupInfo struct {
	Key      Key
	Mode     Mode
	Max      uint16 // highest payload end seen so far
	SeenLast bool   // the fragment without more-fragments has arrived
	Drop     bool   // range cache only: remaining fragments are dropped
	Touched  time.Time
	Ranges   []Range // held (Buffer) or forwarded (RangeCache) ranges, in order
}

// Stats counts a Table's current groups and entries.
type Stats struct {
	FragGroups   int
	FragEntries  int
	RangeGroups  int
	RangeEntries int
}

// group is implemented by *fragGroup and *rangeGroup.
type group interface {
	key() Key
	touched() time.Time
	setTouched(time.Time)
	numEntries() int
}

type indexItem struct {
	k Key
	h handle
}

func indexLess(a, b indexItem) bool { return a.k.Compare(b.k) < 0 }

// pool is one kind of fragment group with its index, recency list and
// entry budget.
type pool[G group] struct {
	lru     lruSlab[G]
	index   *btree.BTreeG[indexItem]
	entries int // outstanding entries, reservations included
	max     int
}

func newPool[G group](limit int) pool[G] {
	return pool[G]{
		index: btree.NewG(8, indexLess),
		max:   limit,
	}
}

// peek returns the group for k without touching it.
func (p *pool[G]) peek(k Key) (g G, h handle, ok bool) {
	it, ok := p.index.Get(indexItem{k: k})
	if !ok {
		return g, 0, false
	}
	return p.lru.get(it.h), it.h, true
}

// find returns the group for k, marking it most recently used as of now.
func (p *pool[G]) find(k Key, now time.Time) (g G, h handle, ok bool) {
	g, h, ok = p.peek(k)
	if ok {
		g.setTouched(now)
		p.lru.touch(h)
	}
	return g, h, ok
}

// insert adds g, which must not already be indexed, as most recently used.
func (p *pool[G]) insert(g G, now time.Time) handle {
	g.setTouched(now)
	h := p.lru.push(g)
	p.index.ReplaceOrInsert(indexItem{k: g.key(), h: h})
	return h
}

// remove destroys the group at h and returns its entries to the budget.
func (p *pool[G]) remove(h handle) G {
	g := p.lru.remove(h)
	p.index.Delete(indexItem{k: g.key()})
	p.entries -= g.numEntries()
	return g
}

// reserve claims one entry from the budget.
func (p *pool[G]) reserve() bool {
	if p.entries >= p.max {
		return false
	}
	p.entries++
	return true
}

// settle reconciles the budget after a group went from before to after
// entries while holding reserved reservations.
func (p *pool[G]) settle(before, after, reserved int) {
	p.entries += after - before - reserved
}

// flush evicts least recently used groups until at most 90% of the
// current entries remain. It returns the number of groups evicted.
func (p *pool[G]) flush() int {
	goal := p.entries * 9 / 10
	n := 0
	for goal < p.entries {
		h := p.lru.oldest()
		if h == 0 {
			break
		}
		p.remove(h)
		n++
	}
	return n
}

// expire removes groups untouched for longer than timeout as of now.
func (p *pool[G]) expire(now time.Time, timeout time.Duration) int {
	n := 0
	for {
		h := p.lru.oldest()
		if h == 0 {
			return n
		}
		if now.Sub(p.lru.get(h).touched()) <= timeout {
			return n
		}
		p.remove(h)
		n++
	}
}

func (p *pool[G]) clear() {
	for h := p.lru.oldest(); h != 0; h = p.lru.oldest() {
		p.remove(h)
	}
}

// Table holds the fragment groups of both modes.
type Table struct {
	clock   tstime.Clock
	logf    logger.Logf
	timeout time.Duration
	// eventBucket limits logging of events that a sender can trigger
	// once per packet.
	eventBucket *rate.Limiter

	frags  pool[*fragGroup]
	ranges pool[*rangeGroup]
}

// eventBurst is how many per-packet events are logged before the
// 5 second rate limit applies.
const eventBurst = 10

// NewTable returns an empty Table. A nil clock means the system clock
// and a nil logf discards logs.
func NewTable(c Config, clock tstime.Clock, logf logger.Logf) *Table {
	c = c.withDefaults()
	return &Table{
		clock:       tstime.DefaultClock(clock),
		logf:        logger.OrDiscard(logf),
		timeout:     c.Timeout,
		eventBucket: rate.NewLimiter(rate.Every(5*time.Second), eventBurst),
		frags:       newPool[*fragGroup](c.MaxFragEntries),
		ranges:      newPool[*rangeGroup](c.MaxRangeEntries),
	}
}

// Lookup returns a snapshot of the group for k in mode m and marks it
// most recently used.
func (t *Table) Lookup(m Mode, k Key) (GroupInfo, bool) {
	now := t.clock.Now()
	switch m {
	case Buffer:
		if g, _, ok := t.frags.find(k, now); ok {
			return g.info(), true
		}
	case RangeCache:
		if g, _, ok := t.ranges.find(k, now); ok {
			return g.info(), true
		}
	}
	return GroupInfo{}, false
}

// Remove destroys the group for k in mode m, releasing all its entries.
// It reports whether there was one.
func (t *Table) Remove(m Mode, k Key) bool {
	switch m {
	case Buffer:
		if _, h, ok := t.frags.peek(k); ok {
			t.frags.remove(h)
			return true
		}
	case RangeCache:
		if _, h, ok := t.ranges.peek(k); ok {
			t.ranges.remove(h)
			return true
		}
	}
	return false
}

// PurgeExpired removes every group, of either mode, not touched within
// the timeout. It returns the number of groups removed.
func (t *Table) PurgeExpired() int {
	now := t.clock.Now()
	n := t.frags.expire(now, t.timeout)
	n += t.ranges.expire(now, t.timeout)
	if n > 0 {
		t.logf("frag: expired %d groups", n)
	}
	return n
}

// FlushUnderPressure evicts least recently used groups from each pool
// until at most 90% of that pool's entries remain.
func (t *Table) FlushUnderPressure() {
	fe, re := t.frags.entries, t.ranges.entries
	nf := t.frags.flush()
	nr := t.ranges.flush()
	t.logEvent("frag: flushed %d/%d buffered entries in %d groups, %d/%d ranges in %d groups",
		fe-t.frags.entries, fe, nf, re-t.ranges.entries, re, nr)
}

func (t *Table) logEvent(format string, args ...any) {
	if t.eventBucket.Allow() {
		t.logf(format, args...)
	}
}

// Close releases every group. The Table remains usable.
func (t *Table) Close() {
	t.frags.clear()
	t.ranges.clear()
}

// Stats returns the current group and entry counts.
func (t *Table) Stats() Stats {
	return Stats{
		FragGroups:   t.frags.lru.len(),
		FragEntries:  t.frags.entries,
		RangeGroups:  t.ranges.lru.len(),
		RangeEntries: t.ranges.entries,
	}
}
