// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package scrub normalizes IP datagrams on a forwarding path. It drops
// malformed fragments, rebuilds or overlap-trims fragmented datagrams,
// enforces TTL and DF policy, and sanitizes TCP headers.
package scrub

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"
	"scrub.dev/net/frag"
	"scrub.dev/net/packet"
	"scrub.dev/syncs"
	"scrub.dev/tstime"
	"scrub.dev/types/ipproto"
	"scrub.dev/types/logger"
)

// Verdict is the outcome of scrubbing one datagram.
type Verdict struct {
	Response Response
	Reason   Reason

	// Packet is what to forward when Response is Pass. It may alias the
	// buffer given to Scrub or be newly allocated. It is nil for a
	// buffered fragment (Reason is ReasonPending), which the scrubber
	// has consumed.
	Packet []byte
}

// Scrubber normalizes datagrams. It is safe for concurrent use.
type Scrubber struct {
	logf       logger.Logf
	clock      tstime.Clock
	audit      AuditSink
	flags      LogFlags
	dropBucket *rate.Limiter
	metrics    *metrics
	randomID   func() uint16

	// mu guards all fragment state, from group lookup through the
	// last mutation for a fragment.
	mu    syncs.Mutex
	frags *frag.Table
}

// New returns a Scrubber configured by c.
func New(c Config) (*Scrubber, error) {
	logf := logger.WithPrefix(logger.OrDiscard(c.Logf), "scrub: ")
	s := &Scrubber{
		logf:       logf,
		clock:      tstime.DefaultClock(c.Clock),
		audit:      c.Audit,
		flags:      c.LogFlags,
		dropBucket: rate.NewLimiter(rate.Every(5*time.Second), 10),
		randomID:   func() uint16 { return uint16(rand.Uint32()) },
	}
	s.frags = frag.NewTable(c.Frag, s.clock, logf)
	m, err := newMetrics(c.Registerer, func() (int, int) {
		st := s.Stats()
		return st.FragEntries, st.RangeEntries
	})
	if err != nil {
		return nil, err
	}
	s.metrics = m
	return s, nil
}

// Scrub normalizes the IP datagram in b according to opts. Header
// rewrites are made in place in b.
func (s *Scrubber) Scrub(b []byte, opts Options) Verdict {
	var q packet.Parsed
	if err := q.Decode(b); err != nil {
		return s.drop(b, nil, ReasonMalformed, err.Error())
	}
	if !q.IsFragment() {
		return s.finish(&q, opts)
	}
	if why := checkFragment(&q); why != "" {
		// Partial state must not be reused by a differently shaped
		// fragment with the same key.
		s.mu.Lock()
		s.frags.Remove(opts.Mode, frag.KeyOf(&q))
		s.mu.Unlock()
		return s.drop(b, &q, ReasonFragment, why)
	}
	if opts.Mode == ModeRangeCache {
		return s.cache(&q, opts)
	}
	return s.reassemble(&q, opts)
}

// checkFragment returns why the IPv4 fragment q is illegal, or "".
func checkFragment(q *packet.Parsed) string {
	switch {
	case q.DontFrag:
		return "fragment with DF set"
	case q.MoreFrags && len(q.Payload())%8 != 0:
		return fmt.Sprintf("fragment length %d not a multiple of 8", len(q.Payload()))
	case q.FragEnd() > packet.MaxPacketLength:
		return fmt.Sprintf("fragment ends at %d", q.FragEnd())
	case q.IPProto != ipproto.TCP:
		return ""
	// RFC 1858: the TCP header must arrive whole in the first fragment
	// and no later fragment may overwrite it.
	case q.FragOff == 0 && len(q.Payload()) < packet.TCPHeaderLength:
		return fmt.Sprintf("first fragment carries %d bytes of TCP header", len(q.Payload()))
	case q.FragOff != 0 && q.FragOff < packet.TCPHeaderLength:
		return fmt.Sprintf("fragment at %d overlaps the TCP header", q.FragOff)
	}
	return ""
}

func (s *Scrubber) reassemble(q *packet.Parsed, opts Options) Verdict {
	s.mu.Lock()
	res := s.frags.Reassemble(q)
	s.mu.Unlock()

	switch res.Status {
	case frag.Pending:
		return Verdict{Response: Pass, Reason: ReasonPending}
	case frag.Dropped:
		return s.dropFragment(q, res.Err)
	}
	s.metrics.reassembled.Inc()
	var whole packet.Parsed
	if err := whole.Decode(res.Packet); err != nil {
		return s.drop(res.Packet, nil, ReasonMalformed, "reassembled: "+err.Error())
	}
	return s.finish(&whole, opts)
}

func (s *Scrubber) cache(q *packet.Parsed, opts Options) Verdict {
	s.mu.Lock()
	res := s.frags.Cache(q, opts.DropOverlap)
	s.mu.Unlock()

	if res.Status == frag.Dropped {
		return s.dropFragment(q, res.Err)
	}
	var fq packet.Parsed
	if err := fq.Decode(res.Packet); err != nil {
		return s.drop(res.Packet, nil, ReasonMalformed, "trimmed: "+err.Error())
	}
	return s.finish(&fq, opts)
}

// finish normalizes the transport header of q, if it carries one,
// applies the IP header policy and passes it.
func (s *Scrubber) finish(q *packet.Parsed, opts Options) Verdict {
	if q.IPProto == ipproto.TCP && q.FragOff == 0 {
		if tcp := q.TCP(); tcp != nil {
			r, rewrote := NormalizeTCP(tcp, opts.MaxMSS)
			if r != ReasonNone {
				return s.drop(q.Trim(), q, r, fmt.Sprintf("flags %#02x, header length %d", uint8(tcp.Flags()), tcp.DataOffset()))
			}
			if rewrote {
				s.metrics.tcpRewrites.Inc()
			}
		} else if !q.IsFragment() {
			return s.drop(q.Trim(), q, ReasonTCPHeader, fmt.Sprintf("%d byte segment", len(q.Payload())))
		}
	}

	if opts.MinTTL != 0 && q.TTL < opts.MinTTL {
		q.SetTTL(opts.MinTTL)
	}
	if opts.DF == DFClear {
		q.ClearDF()
	}
	if opts.RandomID && q.IPVersion == 4 && !q.IsFragment() {
		q.SetIPID(s.randomID())
	}
	return Verdict{Response: Pass, Packet: q.Trim()}
}

func (s *Scrubber) dropFragment(q *packet.Parsed, err error) Verdict {
	var r Reason
	switch {
	case errors.Is(err, frag.ErrDuplicate):
		r = ReasonDuplicate
	case errors.Is(err, frag.ErrOverlap):
		r = ReasonOverlap
	case errors.Is(err, frag.ErrNoMemory):
		r = ReasonMemory
	default:
		r = ReasonFragment
	}
	return s.drop(q.Trim(), q, r, err.Error())
}

func (s *Scrubber) drop(b []byte, q *packet.Parsed, r Reason, why string) Verdict {
	s.metrics.dropped.WithLabelValues(string(r)).Inc()
	if s.audit != nil {
		e := AuditEvent{Time: s.clock.Now(), Reason: r, Detail: why}
		if q != nil {
			e.Key = frag.KeyOf(q)
		}
		s.audit.Audit(e)
	}
	if s.flags&LogDrops != 0 && s.dropBucket.Allow() {
		var qs string
		if q == nil {
			qs = fmt.Sprintf("(%d bytes)", len(b))
		} else {
			qs = q.String()
		}
		s.logf("Drop: %v %v %s: %s\n%s", qs, len(b), r, why, maybeHexdump(s.flags&HexdumpDrops, b))
	}
	return Verdict{Response: Drop, Reason: r}
}

func maybeHexdump(flag LogFlags, b []byte) string {
	if flag == 0 {
		return ""
	}
	return packet.Hexdump(b) + "\n"
}

// PurgeExpired removes fragment groups idle for longer than the
// configured timeout. It should be called periodically.
func (s *Scrubber) PurgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frags.PurgeExpired()
}

// FlushUnderPressure evicts the least recently used tenth of the
// fragment state.
func (s *Scrubber) FlushUnderPressure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frags.FlushUnderPressure()
}

// Close releases all fragment state. The Scrubber remains usable.
func (s *Scrubber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frags.Close()
}

// Stats returns the outstanding fragment groups and entries.
func (s *Scrubber) Stats() frag.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frags.Stats()
}
