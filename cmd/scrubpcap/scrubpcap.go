// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// The scrubpcap command scrubs the IP datagrams of a packet capture and
// writes what would be forwarded to a new capture.
//
// The output capture holds raw IP datagrams. Buffered fragments appear
// there only as their reassembled datagram, at the time its last
// fragment was read.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/peterbourgon/ff/v3"
	"scrub.dev/net/frag"
	"scrub.dev/net/packet"
	"scrub.dev/scrub"
	"scrub.dev/scrub/policy"
	"scrub.dev/types/logger"
)

// purgeInterval is how much capture time passes between sweeps for
// expired fragment groups.
const purgeInterval = 10 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatal(err)
	}
}

type config struct {
	in, out  string
	rules    string
	opts     scrub.Options
	frag     frag.Config
	logFlags scrub.LogFlags
	audit    int
}

func parseFlags(args []string) (*config, error) {
	fs := flag.NewFlagSet("scrubpcap", flag.ContinueOnError)
	var (
		in        = fs.String("in", "", "input pcap file")
		out       = fs.String("out", "", "output pcap file of raw IP datagrams; empty means none")
		rules     = fs.String("rules", "", "HuJSON rule file; if empty, every datagram is scrubbed with the flag options below")
		mode      = fs.String("fragment", "reassemble", "fragment handling: reassemble, crop or drop-ovl")
		minTTL    = fs.Uint("min-ttl", 0, "raise lower TTLs to this; 0 disables")
		maxMSS    = fs.Uint("max-mss", 0, "clamp the TCP MSS option to this; 0 disables")
		noDF      = fs.Bool("no-df", false, "clear the IPv4 don't-fragment flag")
		randomID  = fs.Bool("random-id", false, "randomize the IPv4 ID of unfragmented datagrams")
		fragCap   = fs.Int("max-frag-entries", frag.DefaultMaxFragEntries, "buffered fragment entry limit")
		rangeCap  = fs.Int("max-range-entries", frag.DefaultMaxRangeEntries, "range cache entry limit")
		timeout   = fs.Duration("timeout", frag.DefaultTimeout, "idle fragment group lifetime")
		verbose   = fs.Bool("verbose", false, "log dropped datagrams")
		hexdump   = fs.Bool("hexdump", false, "with -verbose, hex dump dropped datagrams")
		auditSize = fs.Int("audit", 0, "print the last N drop events at exit")
	)
	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("SCRUB")); err != nil {
		return nil, err
	}
	if *in == "" {
		return nil, errors.New("missing -in")
	}
	if *minTTL > 255 {
		return nil, fmt.Errorf("-min-ttl %d out of range", *minTTL)
	}
	if *maxMSS > 65535 {
		return nil, fmt.Errorf("-max-mss %d out of range", *maxMSS)
	}
	c := &config{
		in:    *in,
		out:   *out,
		rules: *rules,
		frag: frag.Config{
			MaxFragEntries:  *fragCap,
			MaxRangeEntries: *rangeCap,
			Timeout:         *timeout,
		},
		audit: *auditSize,
		opts: scrub.Options{
			MinTTL:   uint8(*minTTL),
			MaxMSS:   uint16(*maxMSS),
			RandomID: *randomID,
		},
	}
	switch *mode {
	case "reassemble":
		c.opts.Mode = scrub.ModeBuffer
	case "crop":
		c.opts.Mode = scrub.ModeRangeCache
	case "drop-ovl":
		c.opts.Mode = scrub.ModeRangeCache
		c.opts.DropOverlap = true
	default:
		return nil, fmt.Errorf("unknown -fragment mode %q", *mode)
	}
	if *noDF {
		c.opts.DF = scrub.DFClear
	}
	if *verbose {
		c.logFlags |= scrub.LogDrops
		if *hexdump {
			c.logFlags |= scrub.HexdumpDrops
		}
	}
	return c, nil
}

// captureClock is a clock following the timestamps of the packets read.
type captureClock struct {
	now time.Time
}

func (c *captureClock) Now() time.Time                  { return c.now }
func (c *captureClock) Since(t time.Time) time.Duration { return c.now.Sub(t) }

// summary counts verdicts.
type summary struct {
	read, passed, consumed, skipped int
	dropped                         map[scrub.Reason]int
}

func run(args []string, stdout io.Writer) error {
	c, err := parseFlags(args)
	if err != nil {
		return err
	}

	rules := new(policy.Table)
	if c.rules != "" {
		if rules, err = policy.Load(c.rules); err != nil {
			return err
		}
	}

	inf, err := os.Open(c.in)
	if err != nil {
		return err
	}
	defer inf.Close()
	r, err := pcapgo.NewReader(inf)
	if err != nil {
		return fmt.Errorf("reading %s: %w", c.in, err)
	}

	var w *pcapgo.Writer
	if c.out != "" {
		outf, err := os.Create(c.out)
		if err != nil {
			return err
		}
		defer outf.Close()
		w = pcapgo.NewWriter(outf)
		if err := w.WriteFileHeader(packet.MaxPacketLength, layers.LinkTypeRaw); err != nil {
			return err
		}
	}

	var rec *scrub.AuditRecorder
	clock := new(captureClock)
	cfg := scrub.Config{
		Frag:     c.frag,
		Clock:    clock,
		Logf:     logger.RateLimitedFn(log.Printf, time.Second, 10, 100),
		LogFlags: c.logFlags,
	}
	if c.audit > 0 {
		rec = scrub.NewAuditRecorder(c.audit)
		cfg.Audit = rec
	}
	s, err := scrub.New(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	sum := summary{dropped: make(map[scrub.Reason]int)}
	var lastPurge time.Time
	for {
		data, ci, err := r.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", c.in, err)
		}
		sum.read++
		clock.now = ci.Timestamp
		if lastPurge.IsZero() {
			lastPurge = ci.Timestamp
		} else if ci.Timestamp.Sub(lastPurge) >= purgeInterval {
			s.PurgeExpired()
			lastPurge = ci.Timestamp
		}

		ip, ok := networkLayer(r.LinkType(), data)
		if !ok {
			sum.skipped++
			continue
		}
		opts := c.opts
		if c.rules != "" {
			// Undecodable datagrams go to Scrub, which drops them.
			var q packet.Parsed
			if err := q.Decode(ip); err == nil {
				var match bool
				if opts, match = rules.Lookup(&q); !match {
					sum.passed++
					if err := writePacket(w, ci.Timestamp, ip); err != nil {
						return err
					}
					continue
				}
			}
		}

		v := s.Scrub(ip, opts)
		switch {
		case v.Response == scrub.Drop:
			sum.dropped[v.Reason]++
		case v.Packet == nil:
			sum.consumed++
		default:
			sum.passed++
			if err := writePacket(w, ci.Timestamp, v.Packet); err != nil {
				return err
			}
		}
	}

	st := s.Stats()
	fmt.Fprintf(stdout, "read %d, passed %d, buffered %d, not IP %d\n", sum.read, sum.passed, sum.consumed, sum.skipped)
	reasons := make([]scrub.Reason, 0, len(sum.dropped))
	for r := range sum.dropped {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })
	for _, r := range reasons {
		fmt.Fprintf(stdout, "dropped %s (%s): %d\n", r, r.Class(), sum.dropped[r])
	}
	fmt.Fprintf(stdout, "pending: %d buffered groups (%d entries), %d range groups (%d entries)\n",
		st.FragGroups, st.FragEntries, st.RangeGroups, st.RangeEntries)
	if rec != nil {
		events, evicted := rec.Events()
		if evicted > 0 {
			fmt.Fprintf(stdout, "... %d earlier drop events\n", evicted)
		}
		for _, e := range events {
			fmt.Fprintln(stdout, e)
		}
	}
	return nil
}

// networkLayer returns the IP datagram in a captured frame.
func networkLayer(lt layers.LinkType, data []byte) ([]byte, bool) {
	switch lt {
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		return data, len(data) > 0
	case layers.LinkTypeEthernet:
		var eth layers.Ethernet
		if err := eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return nil, false
		}
		switch eth.EthernetType {
		case layers.EthernetTypeIPv4, layers.EthernetTypeIPv6:
			return eth.Payload, true
		}
	}
	return nil, false
}

func writePacket(w *pcapgo.Writer, ts time.Time, b []byte) error {
	if w == nil {
		return nil
	}
	return w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(b),
		Length:        len(b),
	}, b)
}
