// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package scrub

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"scrub.dev/net/packet"
	"scrub.dev/types/ipproto"
)

var (
	src4 = netip.MustParseAddr("192.168.1.1")
	dst4 = netip.MustParseAddr("192.168.1.2")
)

type tcpSpec struct {
	flags    packet.TCPFlag
	reserved uint8
	urgent   uint16
	options  []byte
	ttl      uint8
	df       bool
}

func (ts tcpSpec) ip4() packet.IP4Header {
	return packet.IP4Header{
		IPProto:  ipproto.TCP,
		IPID:     77,
		Src:      src4,
		Dst:      dst4,
		TTL:      ts.ttl,
		DontFrag: ts.df,
	}
}

func tcp4(ts tcpSpec, payload []byte) []byte {
	return packet.Generate(packet.TCPHeader{
		IPHeader: ts.ip4(),
		SrcPort:  1234,
		DstPort:  80,
		Seq:      1000,
		Ack:      2000,
		Flags:    ts.flags,
		Reserved: ts.reserved,
		Window:   8192,
		Urgent:   ts.urgent,
		Options:  ts.options,
	}, payload)
}

func mustTCP(t *testing.T, b []byte) (packet.TCP, *packet.Parsed) {
	t.Helper()
	q := new(packet.Parsed)
	if err := q.Decode(b); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	tcp := q.TCP()
	if tcp == nil {
		t.Fatalf("not a TCP packet: %v", q)
	}
	return tcp, q
}

func checkTCPChecksum(t *testing.T, q *packet.Parsed) {
	t.Helper()
	seg := q.Payload()
	got := packet.TCP(seg).Checksum()
	if want := packet.TCPChecksum(q.Src, q.Dst, seg); got != want {
		t.Errorf("TCP checksum = %#04x; recomputed %#04x", got, want)
	}
}

func mssOption(v uint16) []byte {
	return []byte{packet.TCPOptMSS, 4, byte(v >> 8), byte(v)}
}

func TestNormalizeTCP(t *testing.T) {
	const (
		ack = packet.TCPAck
		syn = packet.TCPSyn
		fin = packet.TCPFin
		rst = packet.TCPRst
		psh = packet.TCPPsh
		urg = packet.TCPUrg
	)
	tests := []struct {
		name        string
		spec        tcpSpec
		maxMSS      uint16
		want        Reason
		wantRewrote bool
		wantFlags   packet.TCPFlag
		wantUrgent  uint16
		wantMSSAt   int // offset of the MSS value in the segment, if checked
		wantMSS     uint16
	}{
		{name: "syn", spec: tcpSpec{flags: syn}, wantFlags: syn},
		{name: "syn-ack", spec: tcpSpec{flags: syn | ack}, wantFlags: syn | ack},
		{name: "syn-rst", spec: tcpSpec{flags: syn | rst}, want: ReasonTCPFlags},
		{name: "syn-fin", spec: tcpSpec{flags: syn | fin | ack}, wantRewrote: true, wantFlags: syn | ack},
		{name: "fin-no-ack", spec: tcpSpec{flags: fin}, want: ReasonTCPFlags},
		{name: "psh-rst-no-ack", spec: tcpSpec{flags: psh | rst}, want: ReasonTCPFlags},
		{name: "syn-urg-no-ack", spec: tcpSpec{flags: syn | urg}, want: ReasonTCPFlags},
		{name: "no-flags", spec: tcpSpec{}, want: ReasonTCPFlags},
		{name: "rst", spec: tcpSpec{flags: rst}, wantFlags: rst},
		{
			name:        "fin-ack-reserved-urgent",
			spec:        tcpSpec{flags: fin | ack, reserved: 0x3, urgent: 5},
			wantRewrote: true,
			wantFlags:   fin | ack,
		},
		{
			name:       "urgent-kept-with-urg",
			spec:       tcpSpec{flags: urg | ack, urgent: 5},
			wantFlags:  urg | ack,
			wantUrgent: 5,
		},
		{
			name:        "mss-clamped",
			spec:        tcpSpec{flags: syn, options: mssOption(1460)},
			maxMSS:      1400,
			wantRewrote: true,
			wantFlags:   syn,
			wantMSSAt:   packet.TCPHeaderLength + 2,
			wantMSS:     1400,
		},
		{
			name:      "mss-below-ceiling",
			spec:      tcpSpec{flags: syn, options: mssOption(1300)},
			maxMSS:    1400,
			wantFlags: syn,
			wantMSSAt: packet.TCPHeaderLength + 2,
			wantMSS:   1300,
		},
		{
			name:      "mss-unset-ceiling",
			spec:      tcpSpec{flags: syn, options: mssOption(9000)},
			wantFlags: syn,
			wantMSSAt: packet.TCPHeaderLength + 2,
			wantMSS:   9000,
		},
		{
			name: "mss-odd-offset",
			spec: tcpSpec{flags: syn, options: append(
				append([]byte{packet.TCPOptNOP}, mssOption(1460)...),
				packet.TCPOptEOL, 0, 0)},
			maxMSS:      536,
			wantRewrote: true,
			wantFlags:   syn,
			wantMSSAt:   packet.TCPHeaderLength + 3,
			wantMSS:     536,
		},
		{
			name:      "malformed-option-stops-walk",
			spec:      tcpSpec{flags: syn, options: append([]byte{8, 0, 0, 0}, mssOption(1460)...)},
			maxMSS:    536,
			wantFlags: syn,
			wantMSSAt: packet.TCPHeaderLength + 6,
			wantMSS:   1460,
		},
		{
			name:      "option-past-end-stops-walk",
			spec:      tcpSpec{flags: syn, options: []byte{packet.TCPOptMSS, 8, 0x05, 0xb4}},
			maxMSS:    536,
			wantFlags: syn,
			wantMSSAt: packet.TCPHeaderLength + 2,
			wantMSS:   1460,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tcp4(tt.spec, []byte("hello"))
			orig := append([]byte(nil), b...)
			tcp, q := mustTCP(t, b)

			got, rewrote := NormalizeTCP(tcp, tt.maxMSS)
			if got != tt.want {
				t.Fatalf("reason = %q; want %q", got, tt.want)
			}
			if got != ReasonNone {
				if string(b) != string(orig) {
					t.Error("dropped segment was modified")
				}
				return
			}
			if rewrote != tt.wantRewrote {
				t.Errorf("rewrote = %v; want %v", rewrote, tt.wantRewrote)
			}
			if rewrote == (string(b) == string(orig)) {
				t.Errorf("rewrote = %v, but buffer changed = %v", rewrote, string(b) != string(orig))
			}
			if f := tcp.Flags(); f != tt.wantFlags {
				t.Errorf("flags = %#02x; want %#02x", f, tt.wantFlags)
			}
			if r := tcp.Reserved(); r != 0 {
				t.Errorf("reserved = %#x; want 0", r)
			}
			if u := tcp.UrgentPointer(); u != tt.wantUrgent {
				t.Errorf("urgent pointer = %d; want %d", u, tt.wantUrgent)
			}
			if tt.wantMSSAt != 0 {
				if mss := binary.BigEndian.Uint16(tcp[tt.wantMSSAt:]); mss != tt.wantMSS {
					t.Errorf("MSS = %d; want %d", mss, tt.wantMSS)
				}
			}
			checkTCPChecksum(t, q)
		})
	}
}

func TestNormalizeTCPShortDataOffset(t *testing.T) {
	b := tcp4(tcpSpec{flags: packet.TCPAck}, nil)
	tcp, _ := mustTCP(t, b)
	tcp[12] = 4 << 4 // 16 bytes
	if got, _ := NormalizeTCP(tcp, 0); got != ReasonTCPHeader {
		t.Errorf("reason = %q; want %q", got, ReasonTCPHeader)
	}
}
