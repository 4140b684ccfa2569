// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"bytes"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"scrub.dev/net/packet"
	"scrub.dev/types/ipproto"
	"scrub.dev/util/must"
)

var (
	srcIP = netip.MustParseAddr("10.1.1.1")
	dstIP = netip.MustParseAddr("10.2.2.2")
)

func udpFrag(off int, more bool, body []byte) []byte {
	return packet.Generate(packet.IP4Header{
		IPProto:   ipproto.UDP,
		IPID:      42,
		Src:       srcIP,
		Dst:       dstIP,
		MoreFrags: more,
		FragOff:   uint16(off),
	}, body)
}

func tcpPacket(flags packet.TCPFlag) []byte {
	return packet.Generate(packet.TCPHeader{
		IPHeader: packet.IP4Header{IPProto: ipproto.TCP, Src: srcIP, Dst: dstIP},
		SrcPort:  1000,
		DstPort:  22,
		Flags:    flags,
	}, []byte("ssh"))
}

func writePcap(t *testing.T, path string, lt layers.LinkType, pkts [][]byte) {
	t.Helper()
	f := must.Get(os.Create(path))
	defer f.Close()
	w := pcapgo.NewWriter(f)
	must.Do(w.WriteFileHeader(65535, lt))
	ts := time.Unix(1700000000, 0)
	for _, p := range pkts {
		must.Do(w.WritePacket(gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(p), Length: len(p)}, p))
		ts = ts.Add(time.Millisecond)
	}
}

func readPcap(t *testing.T, path string) [][]byte {
	t.Helper()
	f := must.Get(os.Open(path))
	defer f.Close()
	r := must.Get(pcapgo.NewReader(f))
	if r.LinkType() != layers.LinkTypeRaw {
		t.Fatalf("output link type = %v; want raw", r.LinkType())
	}
	var pkts [][]byte
	for {
		data, _, err := r.ReadPacketData()
		if err == io.EOF {
			return pkts
		}
		if err != nil {
			t.Fatal(err)
		}
		pkts = append(pkts, data)
	}
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcap")
	out := filepath.Join(dir, "out.pcap")
	body := []byte("0123456789abcdef")
	good := tcpPacket(packet.TCPAck)
	writePcap(t, in, layers.LinkTypeRaw, [][]byte{
		udpFrag(8, false, body[8:]),
		good,
		tcpPacket(packet.TCPFin),
		udpFrag(0, true, body[:8]),
	})

	var stdout bytes.Buffer
	if err := run([]string{"-in", in, "-out", out, "-audit", "4"}, &stdout); err != nil {
		t.Fatal(err)
	}
	got := stdout.String()
	for _, want := range []string{
		"read 4, passed 2, buffered 1, not IP 0\n",
		"dropped tcp_flags (protocol-violation): 1\n",
		"pending: 0 buffered groups (0 entries), 0 range groups (0 entries)\n",
		"drop tcp_flags TCP{10.1.1.1 > 10.2.2.2 id=0}",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}

	pkts := readPcap(t, out)
	want := [][]byte{
		good,
		packet.Generate(packet.IP4Header{IPProto: ipproto.UDP, IPID: 42, Src: srcIP, Dst: dstIP}, body),
	}
	if len(pkts) != len(want) {
		t.Fatalf("got %d output packets; want %d", len(pkts), len(want))
	}
	for i := range want {
		if !bytes.Equal(pkts[i], want[i]) {
			t.Errorf("packet %d:\n%s\nwant\n%s", i, packet.Hexdump(pkts[i]), packet.Hexdump(want[i]))
		}
	}
}

func TestRunRules(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcap")
	rules := filepath.Join(dir, "rules.hujson")
	must.Do(os.WriteFile(rules, []byte(`{"Rules": [{"Src": ["10.9.0.0/16"]}]}`), 0o600))
	// No rule matches, so the illegal segment passes untouched.
	writePcap(t, in, layers.LinkTypeRaw, [][]byte{tcpPacket(packet.TCPFin)})

	var stdout bytes.Buffer
	if err := run([]string{"-in", in, "-rules", rules}, &stdout); err != nil {
		t.Fatal(err)
	}
	if got := stdout.String(); !strings.HasPrefix(got, "read 1, passed 1,") {
		t.Errorf("unexpected summary:\n%s", got)
	}
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		env     string
		wantErr string
	}{
		{name: "ok", args: []string{"-in", "x", "-fragment", "drop-ovl", "-min-ttl", "5"}},
		{name: "env", env: "x"},
		{name: "missing-in", wantErr: "missing -in"},
		{name: "bad-mode", args: []string{"-in", "x", "-fragment", "buffer"}, wantErr: `unknown -fragment mode "buffer"`},
		{name: "bad-ttl", args: []string{"-in", "x", "-min-ttl", "256"}, wantErr: "-min-ttl 256 out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SCRUB_IN", tt.env)
			c, err := parseFlags(tt.args)
			if tt.wantErr != "" {
				if err == nil || err.Error() != tt.wantErr {
					t.Fatalf("err = %v; want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if c.in != "x" {
				t.Errorf("in = %q; want x", c.in)
			}
		})
	}
}

func TestNetworkLayer(t *testing.T) {
	ip := udpFrag(0, false, bytes.Repeat([]byte{9}, 40))
	buf := gopacket.NewSerializeBuffer()
	must.Do(gopacket.SerializeLayers(buf, gopacket.SerializeOptions{},
		&layers.Ethernet{
			SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv4,
		},
		gopacket.Payload(ip)))

	got, ok := networkLayer(layers.LinkTypeEthernet, buf.Bytes())
	if !ok || !bytes.HasPrefix(got, ip) {
		t.Errorf("ethernet: got %x, %v", got, ok)
	}
	if got, ok := networkLayer(layers.LinkTypeRaw, ip); !ok || !bytes.Equal(got, ip) {
		t.Errorf("raw: got %x, %v", got, ok)
	}
	if _, ok := networkLayer(layers.LinkTypeNull, ip); ok {
		t.Error("unsupported link type accepted")
	}
}
