// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package policy decides which datagrams are scrubbed, and how, from an
// ordered list of rules matching on addresses and protocol.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"slices"
	"strings"

	"github.com/gaissmai/bart"
	"github.com/tailscale/hujson"
	"go4.org/netipx"
	"scrub.dev/net/packet"
	"scrub.dev/scrub"
	"scrub.dev/types/ipproto"
)

// File is the on-disk rule file, in HuJSON.
type File struct {
	Rules []RuleConfig
}

// RuleConfig is one rule as written in a File.
type RuleConfig struct {
	// Src and Dst hold addresses, CIDR prefixes, ranges ("a-b") or "*".
	// An empty list matches any address.
	Src []string `json:",omitempty"`
	Dst []string `json:",omitempty"`
	// Proto holds IP protocol numbers. Empty matches any protocol.
	Proto []int `json:",omitempty"`

	// NoScrub exempts matching datagrams from scrubbing.
	NoScrub bool `json:",omitempty"`

	// Fragment is "reassemble" (the default), "crop" or "drop-ovl".
	Fragment string `json:",omitempty"`
	MinTTL   int    `json:",omitempty"`
	NoDF     bool   `json:",omitempty"`
	MaxMSS   int    `json:",omitempty"`
	RandomID bool   `json:",omitempty"`
}

// Rule is a parsed rule.
type Rule struct {
	Src     []netip.Prefix // minimal prefixes; nil matches any
	Dst     []netip.Prefix
	Protos  []ipproto.Proto // nil matches any
	NoScrub bool
	Options scrub.Options
}

type rule struct {
	Rule
	src *bart.Table[struct{}] // nil matches any
	dst *bart.Table[struct{}]
}

func (r *rule) matches(q *packet.Parsed) bool {
	if r.Protos != nil && !slices.Contains(r.Protos, q.IPProto) {
		return false
	}
	return contains(r.src, q.Src) && contains(r.dst, q.Dst)
}

func contains(t *bart.Table[struct{}], ip netip.Addr) bool {
	if t == nil {
		return true
	}
	_, ok := t.Lookup(ip)
	return ok
}

// Table is an ordered rule list. The zero value matches nothing.
type Table struct {
	rules []rule
}

// Lookup returns the options of the first rule matching q. It returns
// false if no rule matches or the matching rule exempts q.
func (t *Table) Lookup(q *packet.Parsed) (scrub.Options, bool) {
	for i := range t.rules {
		r := &t.rules[i]
		if r.matches(q) {
			return r.Options, !r.NoScrub
		}
	}
	return scrub.Options{}, false
}

// Rules returns the parsed rules in order.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	for i, r := range t.rules {
		out[i] = r.Rule
	}
	return out
}

// Load reads and parses the rule file at path.
func Load(path string) (*Table, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	t, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Parse parses a rule file in HuJSON (JSON with comments and trailing
// commas).
func Parse(b []byte) (*Table, error) {
	std, err := hujson.Standardize(b)
	if err != nil {
		return nil, fmt.Errorf("error parsing rules as HuJSON/JSON: %w", err)
	}
	var f File
	dec := json.NewDecoder(bytes.NewReader(std))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("error parsing rules: %w", err)
	}
	t := &Table{rules: make([]rule, 0, len(f.Rules))}
	for i, rc := range f.Rules {
		r, err := compile(rc)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		t.rules = append(t.rules, r)
	}
	return t, nil
}

func compile(rc RuleConfig) (r rule, err error) {
	if r.Src, r.src, err = parseAddrs(rc.Src); err != nil {
		return r, fmt.Errorf("Src: %w", err)
	}
	if r.Dst, r.dst, err = parseAddrs(rc.Dst); err != nil {
		return r, fmt.Errorf("Dst: %w", err)
	}
	for _, p := range rc.Proto {
		if p < 0 || p > 255 {
			return r, fmt.Errorf("Proto: %d out of range", p)
		}
		r.Protos = append(r.Protos, ipproto.Proto(p))
	}
	r.NoScrub = rc.NoScrub

	o := &r.Options
	switch rc.Fragment {
	case "", "reassemble":
		o.Mode = scrub.ModeBuffer
	case "crop":
		o.Mode = scrub.ModeRangeCache
	case "drop-ovl":
		o.Mode = scrub.ModeRangeCache
		o.DropOverlap = true
	default:
		return r, fmt.Errorf("Fragment: unknown mode %q", rc.Fragment)
	}
	if rc.MinTTL < 0 || rc.MinTTL > 255 {
		return r, fmt.Errorf("MinTTL: %d out of range", rc.MinTTL)
	}
	o.MinTTL = uint8(rc.MinTTL)
	if rc.MaxMSS < 0 || rc.MaxMSS > 65535 {
		return r, fmt.Errorf("MaxMSS: %d out of range", rc.MaxMSS)
	}
	o.MaxMSS = uint16(rc.MaxMSS)
	if rc.NoDF {
		o.DF = scrub.DFClear
	}
	o.RandomID = rc.RandomID
	return r, nil
}

// parseAddrs parses address specs into their minimal prefix cover and a
// lookup table over it. No specs means any address: nil, nil.
func parseAddrs(specs []string) ([]netip.Prefix, *bart.Table[struct{}], error) {
	if len(specs) == 0 {
		return nil, nil, nil
	}
	var b netipx.IPSetBuilder
	for _, s := range specs {
		switch {
		case s == "*":
			b.AddPrefix(netip.PrefixFrom(netip.IPv4Unspecified(), 0))
			b.AddPrefix(netip.PrefixFrom(netip.IPv6Unspecified(), 0))
		case strings.Contains(s, "-"):
			r, err := netipx.ParseIPRange(s)
			if err != nil {
				return nil, nil, err
			}
			b.AddRange(r)
		case strings.Contains(s, "/"):
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, nil, err
			}
			b.AddPrefix(p.Masked())
		default:
			ip, err := netip.ParseAddr(s)
			if err != nil {
				return nil, nil, err
			}
			b.Add(ip)
		}
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, nil, err
	}
	pfxs := set.Prefixes()
	t := &bart.Table[struct{}]{}
	for _, p := range pfxs {
		t.Insert(p, struct{}{})
	}
	return pfxs, t, nil
}
