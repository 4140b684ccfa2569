// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package scrub

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"scrub.dev/net/frag"
	"scrub.dev/tstime"
	"scrub.dev/types/logger"
)

// Mode selects how a datagram's fragments are handled.
type Mode = frag.Mode

const (
	// ModeBuffer holds fragments until the whole datagram can be
	// rebuilt, then scrubs and passes the rebuilt datagram.
	ModeBuffer = frag.Buffer
	// ModeRangeCache passes fragments as they arrive, trimmed of bytes
	// already passed.
	ModeRangeCache = frag.RangeCache
)

// DFPolicy is what to do with the IPv4 don't-fragment flag.
type DFPolicy uint8

const (
	DFPassThrough DFPolicy = iota // leave DF as it is
	DFClear                       // clear DF
)

func (p DFPolicy) String() string {
	switch p {
	case DFPassThrough:
		return "pass"
	case DFClear:
		return "clear"
	default:
		return fmt.Sprintf("DFPolicy(%d)", uint8(p))
	}
}

// Options is the per-flow scrub policy, resolved by the caller for each
// datagram.
type Options struct {
	Mode Mode

	// DropOverlap, in ModeRangeCache, drops the fragment and every
	// later fragment of its datagram once any overlap is seen, instead
	// of trimming.
	DropOverlap bool

	// MinTTL, if nonzero, is the lowest TTL (or IPv6 hop limit) passed.
	// Lower values are raised to it.
	MinTTL uint8

	DF DFPolicy

	// MaxMSS, if nonzero, clamps the TCP maximum segment size option.
	MaxMSS uint16

	// RandomID replaces the IPv4 ID of unfragmented datagrams with a
	// random one.
	RandomID bool
}

// LogFlags controls the scrubber's debug log verbosity.
type LogFlags int

const (
	LogDrops LogFlags = 1 << iota
	HexdumpDrops
)

// Config configures a Scrubber. The zero value is usable.
type Config struct {
	// Frag bounds fragment state. Zero fields take frag's defaults.
	Frag frag.Config

	// Clock is the time source for group timestamps and expiry.
	// If nil, the system clock is used.
	Clock tstime.Clock

	// Logf receives drop logs, subject to LogFlags. If nil, logs
	// are discarded.
	Logf logger.Logf

	LogFlags LogFlags

	// Audit, if non-nil, receives an event for every dropped datagram.
	Audit AuditSink

	// Registerer, if non-nil, is where the scrubber's metrics are
	// registered.
	Registerer prometheus.Registerer
}
